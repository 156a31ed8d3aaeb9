package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// is swapped with SetLogger, usually by tests that want quiet output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger and returns a func restoring the
// previous one. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) (restore func()) {
	prev := Logf
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
	return func() { Logf = prev }
}

// Component returns a logger that prefixes every line with [name]. The
// prefix is applied at call time, so later SetLogger calls still take effect.
func Component(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
