// Package framing holds the decoder contract shared by every wire protocol
// spoken on the multiplexed port, and the cumulation buffer the connection
// loop feeds them from.
//
// A Decoder is handed a Cursor over all bytes received and not yet consumed.
// It either returns one complete message and advances the cursor past it,
// or returns (nil, nil) without touching the cursor when the bytes on hand
// do not yet form a whole frame. Any error it returns is fatal to the
// connection.
package framing

import (
	"errors"
	"fmt"
)

// Decoder turns buffered bytes into messages. Implementations may keep
// state between calls, but must not consume bytes they are not going to
// account for in a returned message.
type Decoder interface {
	Decode(in *Cursor) (any, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(in *Cursor) (any, error)

func (f DecoderFunc) Decode(in *Cursor) (any, error) { return f(in) }

// Releaser is implemented by decoded messages that own pooled buffers.
type Releaser interface {
	Release()
}

// Release releases msg if it owns pooled buffers.
func Release(msg any) {
	if r, ok := msg.(Releaser); ok {
		r.Release()
	}
}

var (
	// ErrFrameTooLarge is returned when a declared length exceeds the
	// configured limit.
	ErrFrameTooLarge = errors.New("framing: frame too large")

	// ErrBadMagic is returned when a fixed marker does not match.
	ErrBadMagic = errors.New("framing: bad magic")

	// ErrUnsupported is returned for an unknown kind or sub-code.
	ErrUnsupported = errors.New("framing: unsupported frame")

	// ErrMalformed is returned when a frame is internally inconsistent.
	ErrMalformed = errors.New("framing: malformed frame")
)

// FrameError is a non-recoverable decode failure. The connection that
// produced it is closed.
type FrameError struct {
	Protocol string
	Err      error
	Detail   string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Protocol, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Protocol, e.Err, e.Detail)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Errorf builds a FrameError for protocol wrapping err.
func Errorf(protocol string, err error, format string, args ...any) *FrameError {
	return &FrameError{Protocol: protocol, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsFrameError reports whether err is, or wraps, a FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}
