package memsample

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Sentinel errors per the error taxonomy. Callers match against these with
// errors.Is; OsError carries the underlying errno and is matched with
// errors.As(&*OsError).
var (
	// ErrInvalidState means the operation was called in the wrong
	// lifecycle state (uninitialized, or the reverse).
	ErrInvalidState = errors.New("memsample: invalid state")
	// ErrInvalidArgument means an argument was rejected before any
	// syscall was attempted, or the kernel rejected it as out of range
	// (e.g. a sample period below the hardware minimum).
	ErrInvalidArgument = errors.New("memsample: invalid argument")
	// ErrPermissionDenied means the kernel refused to open the counter
	// due to privilege or perf_event_paranoid.
	ErrPermissionDenied = errors.New("memsample: permission denied")
	// ErrUnsupported means the PMU does not implement the requested
	// event selector.
	ErrUnsupported = errors.New("memsample: unsupported by this PMU")
	// ErrWouldBlock means a non-blocking read found no data.
	ErrWouldBlock = errors.New("memsample: would block")
)

// OsError wraps a syscall failure that the taxonomy above doesn't give a
// dedicated kind to.
type OsError struct {
	Op    string
	Errno syscall.Errno
}

func (e *OsError) Error() string {
	return fmt.Sprintf("memsample: %s: %s", e.Op, e.Errno)
}

func (e *OsError) Unwrap() error { return e.Errno }

// wrapOsError turns an arbitrary syscall failure into an *OsError, falling
// back to a plain wrap when the error isn't a bare errno (e.g. it's already
// been wrapped by a lower layer).
func wrapOsError(op string, err error) error {
	if errno, ok := err.(syscall.Errno); ok {
		return errors.WithStack(&OsError{Op: op, Errno: errno})
	}
	return errors.Wrap(err, op)
}

// classifyPerfEventOpen turns a perf_event_open(2) errno into this
// package's error taxonomy: most failures are either permission,
// unsupported-hardware, or an opaque OS error.
func classifyPerfEventOpen(op string, errno syscall.Errno) error {
	switch errno {
	case syscall.EACCES, syscall.EPERM:
		return errors.Wrapf(ErrPermissionDenied, "%s: %s", op, errno)
	case syscall.ENODEV, syscall.ENOENT, syscall.ENOSYS, syscall.EOPNOTSUPP:
		return errors.Wrapf(ErrUnsupported, "%s: %s", op, errno)
	default:
		return errors.WithStack(&OsError{Op: op, Errno: errno})
	}
}
