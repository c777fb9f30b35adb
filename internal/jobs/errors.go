package jobs

import "errors"

var (
	// ErrNoTaskToClaim signals an empty poll; not a failure.
	ErrNoTaskToClaim = errors.New("no task to claim")
	// ErrHandlerNotFound means a claimed task has no registered handler.
	ErrHandlerNotFound = errors.New("no handler registered for task")
	// ErrStorageNil guards constructors against missing storage.
	ErrStorageNil = errors.New("storage cannot be nil")
)

// terminalError marks a failure as unrecoverable. The worker kills the task
// immediately instead of scheduling a retry.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return "terminal: " + e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the queue treats it as unrecoverable: the task goes
// straight to failed with no further attempts. A nil err returns nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (anywhere in its chain) was marked
// unrecoverable via Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
