// Package verbose holds the single mutable global the rest of the tunnel
// is allowed: a process-wide verbosity switch, set once at startup from
// the -v/--debug flags and read by the Logf call sites; ordinary
// log.Printf logging does not consult it.
package verbose

import (
	"log"
	"sync/atomic"
)

var enabled atomic.Bool

// Set enables or disables verbose logging process-wide.
func Set(v bool) {
	enabled.Store(v)
}

// Enabled reports the current verbosity setting.
func Enabled() bool {
	return enabled.Load()
}

// Logf logs a message only when verbose logging is enabled.
func Logf(format string, args ...any) {
	if enabled.Load() {
		log.Printf(format, args...)
	}
}
