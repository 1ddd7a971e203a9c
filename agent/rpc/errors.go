package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a call outlives its deadline. The
	// connection stays open.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrConnectionLost fails every call still pending on a connection that
	// closed.
	ErrConnectionLost = errors.New("rpc: connection lost")

	// ErrShutdown is returned by a pool or server that has been shut down.
	ErrShutdown = errors.New("rpc: shutdown")

	ErrUnknownMethod     = errors.New("rpc: unknown method")
	ErrStreamClosed      = errors.New("rpc: stream already finished")
	ErrDuplicateService  = errors.New("rpc: service already registered")
	ErrNoSuitableMethods = errors.New("rpc: type has no suitable methods")

	errCallPending = errors.New("rpc: call has not finished")
)

// StatusError is a remote failure carried by a response frame: the service
// or method was not found, the arguments were rejected, or the method
// returned an error.
type StatusError struct {
	Status  Status
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc error: %s: %s", e.Status, e.Message)
}

// Errorf returns a StatusError a service method may return to pick the
// response status.
func Errorf(status Status, format string, args ...any) *StatusError {
	return &StatusError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
