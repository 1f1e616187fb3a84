package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error recovered from a panic
type PanicError struct {
	Value      interface{} // The panic value
	Stacktrace string      // Full stack trace
}

// Error implements the error interface
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", p.Value)
}

// Safe runs fn and converts a panic into a returned error. Evaluation
// goroutines use this so one misbehaving post cannot take down the pool.
func Safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Value:      r,
				Stacktrace: string(debug.Stack()),
			}
		}
	}()
	return fn()
}
