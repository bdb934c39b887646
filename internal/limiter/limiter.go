// Package limiter implements an optional, process-wide bandwidth cap
// applied to the local-side net.Conn of each TCP and SOCKS flow (UDP
// flows are not rate limited). Adapted from the
// teacher's limiter package: a juju/ratelimit token bucket gates Read and
// Write, and a small ring of one-second windows tracks the realized rate
// for status reporting.
package limiter

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
)

// unbounded stands in for "no limit configured" when a non-positive rate
// is passed to New.
const unbounded = 1 << 40 // 1 TiB/s

const rateWindowBuckets = 5

// Limiter gates reads and writes on wrapped connections to a configured
// byte/sec rate and tracks the realized throughput over a short window.
type Limiter struct {
	bucket  *ratelimit.Bucket
	rateCap int64

	windowBuckets [rateWindowBuckets]window
	activeBucket  int64 // atomic index into windowBuckets
	rotatedAt     int64 // atomic unix seconds of last rotation
}

type window struct {
	bytes int64 // atomic
	atSec int64 // atomic unix seconds
}

// New builds a Limiter capped at bytesPerSec. A non-positive rate is
// treated as unbounded: Read/Write are never blocked, but throughput is
// still tracked for Rate().
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		bytesPerSec = unbounded
	}
	now := time.Now().Unix()
	l := &Limiter{
		bucket:    ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec),
		rateCap:   bytesPerSec,
		rotatedAt: now,
	}
	for i := range l.windowBuckets {
		atomic.StoreInt64(&l.windowBuckets[i].atSec, now)
	}
	return l
}

func (l *Limiter) observe(n int64) {
	now := time.Now().Unix()
	prev := atomic.LoadInt64(&l.rotatedAt)
	if now > prev && atomic.CompareAndSwapInt64(&l.rotatedAt, prev, now) {
		next := (atomic.LoadInt64(&l.activeBucket) + 1) % rateWindowBuckets
		atomic.StoreInt64(&l.activeBucket, next)
		atomic.StoreInt64(&l.windowBuckets[next].bytes, 0)
		atomic.StoreInt64(&l.windowBuckets[next].atSec, now)
	}
	idx := atomic.LoadInt64(&l.activeBucket)
	atomic.AddInt64(&l.windowBuckets[idx].bytes, n)
}

// Rate returns the realized bytes/sec averaged over the tracked window.
func (l *Limiter) Rate() int64 {
	now := time.Now().Unix()
	cutoff := now - rateWindowBuckets

	var total, oldest int64 = 0, now
	for i := range l.windowBuckets {
		ts := atomic.LoadInt64(&l.windowBuckets[i].atSec)
		if ts < cutoff {
			continue
		}
		total += atomic.LoadInt64(&l.windowBuckets[i].bytes)
		if ts < oldest {
			oldest = ts
		}
	}
	span := now - oldest + 1 // count the current, partial second
	return total / span
}

// Cap returns the configured byte/sec rate.
func (l *Limiter) Cap() int64 { return l.rateCap }

// WrapConn wraps c so every Read and Write passes through the bucket.
func (l *Limiter) WrapConn(c net.Conn) net.Conn {
	return &throttled{Conn: c, limiter: l}
}

type throttled struct {
	net.Conn
	limiter *Limiter
}

func (t *throttled) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 {
		t.limiter.bucket.Wait(int64(n))
		t.limiter.observe(int64(n))
	}
	return n, err
}

func (t *throttled) Write(p []byte) (int, error) {
	t.limiter.bucket.Wait(int64(len(p)))
	n, err := t.Conn.Write(p)
	if err == nil {
		t.limiter.observe(int64(n))
	}
	return n, err
}
