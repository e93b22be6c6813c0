package utils

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is a recovered panic together with the stack at recovery.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func newPanicError(r any) *PanicError {
	err := &PanicError{Value: r, StackTrace: string(debug.Stack())}
	slog.Error("Recovered from panic", "panic", r, "stack", err.StackTrace)
	return err
}

// RecoverWithCallback must be deferred directly. A recovered panic is passed
// to callback as a *PanicError; callback may be nil.
func RecoverWithCallback(callback func(error)) {
	r := recover()
	if r == nil {
		return
	}
	err := newPanicError(r)
	if callback != nil {
		callback(err)
	}
}

// SafeGoWithResult runs fn on its own goroutine. The channel yields fn's
// error or a *PanicError and is closed once fn returns.
func SafeGoWithResult(fn func() error) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer RecoverWithCallback(func(err error) { errCh <- err })
		if err := fn(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}
