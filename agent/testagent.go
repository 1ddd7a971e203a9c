package agent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/agent/config"
	"github.com/portmux/portmux/sdk/testutil"
)

// NewTestAgent starts an agent listening on a random loopback port, with
// hcl applied over the test defaults. The agent is shut down when the test
// ends.
func NewTestAgent(t testing.TB, hcl string) *Agent {
	t.Helper()
	base := `
		bind_addr = "127.0.0.1"
		port = 0
		data_dir = "` + t.TempDir() + `"
	`
	res, err := config.Load(config.LoadOpts{HCL: []string{base, hcl}})
	require.NoError(t, err)

	a, err := New(BaseDeps{Logger: testutil.Logger(t), RuntimeConfig: res.RuntimeConfig})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.ShutdownAgent() })
	return a
}
