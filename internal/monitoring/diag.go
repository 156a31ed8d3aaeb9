package monitoring

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// diag throttles low-severity diagnostics (malformed input, dropped frames)
// so a misbehaving sniffer cannot flood the log.
var diag = &rate.Sometimes{First: 5, Interval: 10 * time.Second}

var diagSuppressed atomic.Int64

// Diagf logs a low-severity diagnostic through Logf, rate limited. Messages
// dropped by the limiter are counted and reported with the next one that
// gets through.
func Diagf(format string, v ...interface{}) {
	logged := false
	diag.Do(func() {
		logged = true
		if n := diagSuppressed.Swap(0); n > 0 {
			Logf("diag: %d similar messages suppressed", n)
		}
		Logf(format, v...)
	})
	if !logged {
		diagSuppressed.Add(1)
	}
}

// DiagSuppressed returns how many diagnostics are waiting to be reported as
// suppressed.
func DiagSuppressed() int64 {
	return diagSuppressed.Load()
}
