package agent

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/consul/sdk/testutil/retry"
	mcli "github.com/mitchellh/cli"
	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/api"
	"github.com/portmux/portmux/command/cli"
	"github.com/portmux/portmux/sdk/testutil"
)

// syncBuffer is written by the command and the agent's logger while the
// test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newUI() (cli.Ui, *syncBuffer) {
	out := &syncBuffer{}
	return &cli.BasicUI{BasicUi: mcli.BasicUi{Writer: out, ErrorWriter: out}}, out
}

var listenAddrRe = regexp.MustCompile(`Listen Addr: (\S+)`)

// runAgent runs the command in the background and waits until it listens.
func runAgent(t *testing.T, args ...string) (addr string, stop func() int) {
	t.Helper()
	ui, out := newUI()
	c := New(ui)
	shutdownCh := make(chan struct{})
	c.shutdownCh = shutdownCh

	args = append([]string{"-bind", "127.0.0.1", "-port", "0", "-data-dir", t.TempDir()}, args...)
	codeCh := make(chan int, 1)
	go func() { codeCh <- c.Run(args) }()

	retry.Run(t, func(r *retry.R) {
		m := listenAddrRe.FindStringSubmatch(out.String())
		if m == nil {
			r.Fatalf("agent is not listening yet:\n%s", out.String())
		}
		addr = m[1]
	})

	var once sync.Once
	code := -1
	stop = func() int {
		once.Do(func() {
			close(shutdownCh)
			select {
			case code = <-codeCh:
			case <-time.After(10 * time.Second):
				t.Fatal("agent did not stop")
			}
		})
		return code
	}
	t.Cleanup(func() { stop() })
	return addr, stop
}

func TestAgentCommand_RunAndShutdown(t *testing.T) {
	addr, stop := runAgent(t)

	client, err := api.NewClient(&api.Config{Address: addr, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Ping(testutil.TestContext(t)))

	require.Equal(t, 0, stop())
}

func TestAgentCommand_ReloadsOnConfigChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portmux.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`routes { users = "127.0.0.1:20880" }`), 0600))

	addr, _ := runAgent(t, "-config-file", path)
	client, err := api.NewClient(&api.Config{Address: addr, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer client.Close()
	ctx := testutil.TestContext(t)

	routes, _, err := client.Routes().List(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)

	require.NoError(t, os.WriteFile(path, []byte(`
		routes {
			users = "127.0.0.1:20880"
			orders = "127.0.0.1:20881"
		}
	`), 0600))

	retry.Run(t, func(r *retry.R) {
		routes, _, err := client.Routes().List(ctx)
		if err != nil {
			r.Fatal(err)
		}
		if len(routes) != 2 {
			r.Fatalf("expected 2 routes, got %v", routes)
		}
	})
}

func TestAgentCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	badConfig := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(badConfig, []byte(`port = "seventy"`), 0600))

	cases := []struct {
		name string
		args []string
		want string
	}{
		{"bad flag", []string{"-nope"}, "flag provided but not defined: -nope"},
		{"extra arguments", []string{"serve"}, "Unexpected extra arguments: [serve]"},
		{"bad log level", []string{"-log-level", "LOUD", "-data-dir", dir}, "log_level"},
		{"bad config file", []string{"-config-file", badConfig}, "failed to parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ui, out := newUI()
			c := New(ui)
			require.Equal(t, 1, c.Run(tc.args))
			require.Contains(t, out.String(), tc.want)
		})
	}
}

func TestAgentCommand_Help(t *testing.T) {
	ui, _ := newUI()
	c := New(ui)
	require.Contains(t, c.Help(), "Usage: portmux agent [options]")
	require.Contains(t, c.Help(), "-config-file")
	require.NotEmpty(t, c.Synopsis())
}
