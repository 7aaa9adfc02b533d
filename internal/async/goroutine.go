// Package async spawns background goroutines that cannot take the
// process down: panics are logged, not propagated.
package async

import (
	"fmt"
	"runtime/debug"
)

// ErrorLogger is the slice of a logger that panic reporting needs.
// logging.Logger satisfies it.
type ErrorLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine guarded by Recover. name identifies the
// goroutine in panic reports and may be empty.
func Go(log ErrorLogger, name string, fn func()) {
	go func() {
		defer Recover(log, name)
		fn()
	}()
}

// Recover is the deferred half of Go; it can also guard goroutines
// spawned elsewhere. A nil logger drops the report.
func Recover(log ErrorLogger, name string) {
	r := recover()
	if r == nil || log == nil {
		return
	}
	label := "goroutine"
	if name != "" {
		label = fmt.Sprintf("goroutine %q", name)
	}
	log.Error("%s panicked: %v\n%s", label, r, debug.Stack())
}
