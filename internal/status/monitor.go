// Package status implements the process-wide flow counter adapted from
// the teacher's ConnectionMonitor: atomic active/total counts per flow
// kind, with a periodic log line reporting them alongside goroutine and
// heap stats.
package status

import (
	"log"
	"runtime"
	"sync/atomic"
	"time"
)

// Kind identifies a class of flow for counting purposes.
type Kind int

const (
	TCP Kind = iota
	UDP
	SOCKS
	numKinds
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case SOCKS:
		return "SOCKS"
	default:
		return "UNKNOWN"
	}
}

// Monitor tracks active and cumulative flow counts per Kind.
type Monitor struct {
	active [numKinds]atomic.Int64
	total  [numKinds]atomic.Int64
}

// Global is the process-wide monitor shared by the client and server
// orchestrators.
var Global = &Monitor{}

// Begin records the start of a flow of the given kind and returns a
// function to call when the flow ends.
func (m *Monitor) Begin(k Kind) func() {
	m.active[k].Add(1)
	m.total[k].Add(1)
	return func() { m.active[k].Add(-1) }
}

// Snapshot is a point-in-time read of the monitor's counters.
type Snapshot struct {
	ActiveTCP, ActiveUDP, ActiveSOCKS int64
	TotalTCP, TotalUDP, TotalSOCKS    int64
}

func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		ActiveTCP:   m.active[TCP].Load(),
		ActiveUDP:   m.active[UDP].Load(),
		ActiveSOCKS: m.active[SOCKS].Load(),
		TotalTCP:    m.total[TCP].Load(),
		TotalUDP:    m.total[UDP].Load(),
		TotalSOCKS:  m.total[SOCKS].Load(),
	}
}

// StartPeriodicLogging logs a summary line on the given interval until
// stop is closed.
func (m *Monitor) StartPeriodicLogging(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var mem runtime.MemStats
				runtime.ReadMemStats(&mem)
				s := m.Snapshot()
				log.Printf("monitor: active tcp=%d udp=%d socks=%d | total tcp=%d udp=%d socks=%d | goroutines=%d heapAlloc=%dMB",
					s.ActiveTCP, s.ActiveUDP, s.ActiveSOCKS,
					s.TotalTCP, s.TotalUDP, s.TotalSOCKS,
					runtime.NumGoroutine(), mem.HeapAlloc/1024/1024)
			}
		}
	}()
}
