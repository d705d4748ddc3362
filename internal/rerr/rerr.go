// Package rerr distinguishes the two fatal error kinds (fatal
// configuration, fatal system) from per-packet rejects, which are not
// errors at all in this design — they are logged and the caller's loop
// simply continues. A *Fatal error reaching cmd/ripd's main loop always
// means: log it and exit non-zero; there is no recovery path and the next
// restart rebuilds correctly from kernel state.
package rerr

import (
	"errors"
	"fmt"
)

// Fatal wraps an error that must terminate the daemon.
type Fatal struct {
	err error
}

func (f *Fatal) Error() string { return f.err.Error() }
func (f *Fatal) Unwrap() error { return f.err }

// Fatalf builds a *Fatal from a format string, like fmt.Errorf.
func Fatalf(format string, args ...any) error {
	return &Fatal{err: fmt.Errorf(format, args...)}
}

// AsFatal wraps an existing error as fatal, unless it already is one.
func AsFatal(err error) error {
	if err == nil {
		return nil
	}
	var f *Fatal
	if errors.As(err, &f) {
		return err
	}
	return &Fatal{err: err}
}

// IsFatal reports whether err (or something it wraps) is a *Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
