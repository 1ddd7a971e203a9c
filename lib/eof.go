package lib

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var closedConnMessages = []string{
	"use of closed network connection",
	"connection reset by peer",
	"broken pipe",
}

// IsErrEOF returns true if we get an EOF error from the socket itself, or
// an error that means the peer or we closed the connection.
func IsErrEOF(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	errStr := err.Error()
	if strings.HasSuffix(errStr, io.EOF.Error()) {
		return true
	}
	for _, s := range closedConnMessages {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
