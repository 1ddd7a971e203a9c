package version

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/agent"
	"github.com/portmux/portmux/version"
)

func TestVersionCommand_noTabs(t *testing.T) {
	if strings.ContainsRune(New(cli.NewMockUi()).Help(), '\t') {
		t.Fatal("help has tabs")
	}
}

func TestVersionCommand_Local(t *testing.T) {
	ui := cli.NewMockUi()
	c := New(ui)
	require.Equal(t, 0, c.Run(nil))
	require.Contains(t, ui.OutputWriter.String(), "portmux "+version.GetHumanVersion())
	require.NotContains(t, ui.OutputWriter.String(), "Agent")
}

func TestVersionCommand_Remote(t *testing.T) {
	a := agent.NewTestAgent(t, "")

	ui := cli.NewMockUi()
	c := New(ui)
	code := c.Run([]string{"-remote", "-rpc-addr=" + a.Addr().String()})
	require.Equal(t, 0, code, ui.ErrorWriter.String())
	require.Contains(t, ui.OutputWriter.String(), "protocols: rpc, dubbo, mqtt, rtsp")
}

func TestVersionCommand_JSON(t *testing.T) {
	a := agent.NewTestAgent(t, "")

	ui := cli.NewMockUi()
	c := New(ui)
	code := c.Run([]string{"-format=json", "-remote", "-rpc-addr=" + a.Addr().String()})
	require.Equal(t, 0, code, ui.ErrorWriter.String())

	var out output
	require.NoError(t, json.Unmarshal(ui.OutputWriter.Bytes(), &out))
	require.Equal(t, version.GetHumanVersion(), out.Version)
	require.NotNil(t, out.Agent)
	require.Equal(t, []string{"rpc", "dubbo", "mqtt", "rtsp"}, out.Agent.Protocols)
}

func TestVersionCommand_InvalidFormat(t *testing.T) {
	ui := cli.NewMockUi()
	c := New(ui)
	require.Equal(t, 1, c.Run([]string{"-format=yaml"}))
	require.Contains(t, ui.ErrorWriter.String(), `Invalid format "yaml"`)
}

func TestOlderThan(t *testing.T) {
	cases := []struct {
		local, remote string
		want          bool
	}{
		{"v0.3.0-dev", "v0.3.0-dev", false},
		{"v0.3.0-dev", "v0.3.0", true},
		{"v0.2.9", "v0.3.0", true},
		{"v0.4.0", "v0.3.0", false},
		{"v0.3.0", "garbage", false},
	}
	for _, tc := range cases {
		t.Run(tc.local+" "+tc.remote, func(t *testing.T) {
			require.Equal(t, tc.want, olderThan(tc.local, tc.remote))
		})
	}
}
