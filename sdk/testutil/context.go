package testutil

import (
	"context"
	"testing"
)

// TestContext returns a context cancelled when the test ends.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
