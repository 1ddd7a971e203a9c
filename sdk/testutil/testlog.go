package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
)

var sendTestLogsToStdout bool

func init() {
	sendTestLogsToStdout = os.Getenv("NOLOGBUFFER") == "1"
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Level:  0,
		Output: io.Discard,
	})
}

// Logger returns a trace level logger named after the test. Output goes to
// the test log unless NOLOGBUFFER=1, in which case it streams to stdout.
func Logger(t testing.TB) hclog.InterceptLogger {
	if sendTestLogsToStdout {
		return LoggerWithOutput(t, os.Stdout)
	}
	return LoggerWithOutput(t, &testWriter{t: t})
}

func LoggerWithOutput(t testing.TB, output io.Writer) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       t.Name(),
		Level:      hclog.Trace,
		Output:     output,
		TimeFormat: "04:05.000",
	})
}

type testWriter struct {
	t testing.TB
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	defer func() {
		// the test may have finished while a connection goroutine was still
		// logging its teardown
		recover()
	}()
	w.t.Log(string(p))
	return len(p), nil
}
