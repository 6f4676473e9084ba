package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// PanicError is a panic raised by a backend, recovered at the session
// boundary.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("backend panic: %v", e.Value)
}

// Format prints the goroutine stack with %+v.
func (e *PanicError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s\n%s", e.Error(), e.Stack)
		return
	}
	fmt.Fprint(s, e.Error())
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// withStack attaches a stack trace unless err already carries one.
func withStack(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	var pe *PanicError
	if errors.As(err, &st) || errors.As(err, &pe) {
		return err
	}
	return errors.WithStack(err)
}

// traceback renders err with its message and stack trace.
func traceback(err error) string {
	return fmt.Sprintf("%+v", err)
}
