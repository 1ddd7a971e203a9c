package proxy

import (
	"fmt"
)

// FailureKind classifies why a request could not reach its backend.
type FailureKind uint8

const (
	// NoRoute means no address is configured for the service.
	NoRoute FailureKind = iota + 1
	// ConnectFailed means the backend could not be dialed.
	ConnectFailed
	// WriteFailed means the request could not be written to the backend.
	WriteFailed
)

func (k FailureKind) String() string {
	switch k {
	case NoRoute:
		return "no-route"
	case ConnectFailed:
		return "connect-failed"
	case WriteFailed:
		return "write-failed"
	default:
		return fmt.Sprintf("failure(%d)", uint8(k))
	}
}

// BackendUnavailableError is reported to a protocol's failure callback,
// which turns it into an error packet for the frontend.
type BackendUnavailableError struct {
	Kind    FailureKind
	Service string
	Address string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	switch e.Kind {
	case NoRoute:
		return fmt.Sprintf("no backend address configured for service %q", e.Service)
	case ConnectFailed:
		return fmt.Sprintf("failed to connect to backend %s for service %q: %v", e.Address, e.Service, e.Err)
	default:
		return fmt.Sprintf("failed to write to backend %s for service %q: %v", e.Address, e.Service, e.Err)
	}
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }
