package outbound

import (
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrStatusTransitionDenied is returned when an update would move a job
	// out of a terminal state.
	ErrStatusTransitionDenied = errors.New("status transition denied: job already in terminal state")
)

// PermanentError marks a send failure that retrying cannot fix, such as a
// revoked session or an unsupported recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue dead-letters the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// errorChain renders every layer of a wrapped error, outermost first.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteString("\n  caused by: ")
		}
		b.WriteString(e.Error())
	}
	return b.String()
}
