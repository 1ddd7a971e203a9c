package flags

import (
	"flag"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/api"
)

func TestAppendSliceValue(t *testing.T) {
	var files AppendSliceValue
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.Var(&files, "config-file", "")
	require.NoError(t, fs.Parse([]string{"-config-file=a.hcl", "-config-file", "conf.d"}))
	require.Equal(t, AppendSliceValue{"a.hcl", "conf.d"}, files)
	require.Equal(t, "a.hcl,conf.d", files.String())
}

func TestRPCFlags(t *testing.T) {
	t.Setenv(api.RPCAddrEnvName, "10.0.0.1:7070")
	t.Setenv(api.RPCTimeoutEnvName, "7s")

	t.Run("environment", func(t *testing.T) {
		var f RPCFlags
		require.NoError(t, f.ClientFlags().Parse(nil))
		c, err := f.APIClient()
		require.NoError(t, err)
		defer c.Close()
		require.Equal(t, "10.0.0.1:7070", c.Address())
	})

	t.Run("flags override environment", func(t *testing.T) {
		var f RPCFlags
		fs := f.ClientFlags()
		require.NoError(t, fs.Parse([]string{"-rpc-addr=127.0.0.1:9000", "-timeout=2s"}))
		require.Equal(t, "127.0.0.1:9000", f.Addr())
		require.Equal(t, 2*time.Second, *f.timeout.v)
		c, err := f.APIClient()
		require.NoError(t, err)
		defer c.Close()
		require.Equal(t, "127.0.0.1:9000", c.Address())
	})

	t.Run("bad duration", func(t *testing.T) {
		var f RPCFlags
		fs := f.ClientFlags()
		fs.SetOutput(io.Discard)
		require.Error(t, fs.Parse([]string{"-timeout=soon"}))
	})
}

func TestUsage(t *testing.T) {
	var rpc RPCFlags
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	Merge(fs, rpc.ClientFlags())
	fs.Bool("stream", false, "Streams the routes as they are received instead of waiting for the whole table before printing anything at all.")

	out := Usage("\nUsage: portmux routes list [options]\n", fs)
	require.Contains(t, out, "Usage: portmux routes list [options]\n\nRPC API Options\n\n  -rpc-addr=<address>\n")
	require.Contains(t, out, "Command Options\n\n  -stream\n     Streams the routes")
	for _, line := range strings.Split(out, "\n") {
		require.LessOrEqual(t, len(line), maxLineLength)
	}
}
