package agent

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	mcli "github.com/mitchellh/cli"
	"golang.org/x/sync/errgroup"

	"github.com/portmux/portmux/agent"
	"github.com/portmux/portmux/agent/config"
	"github.com/portmux/portmux/command/cli"
	"github.com/portmux/portmux/command/flags"
	"github.com/portmux/portmux/logging"
	"github.com/portmux/portmux/version"
)

// gracefulTimeout controls how long we wait before forcefully terminating
var gracefulTimeout = 15 * time.Second

func New(ui cli.Ui) *cmd {
	c := &cmd{
		ui:         ui,
		shutdownCh: make(chan struct{}),
	}
	c.init()
	return c
}

// cmd runs the portmux agent until it is interrupted. A second interrupt
// during the graceful shutdown exits immediately.
type cmd struct {
	ui    cli.Ui
	flags *flag.FlagSet
	help  string

	configLoadOpts config.LoadOpts

	// shutdownCh stops the agent as if it had been interrupted.
	shutdownCh <-chan struct{}
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	config.AddFlags(c.flags, &c.configLoadOpts)
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		if !strings.Contains(err.Error(), "help requested") {
			c.ui.Error(fmt.Sprintf("error parsing flags: %v", err))
		}
		return 1
	}
	if len(c.flags.Args()) > 0 {
		c.ui.Error(fmt.Sprintf("Unexpected extra arguments: %v", c.flags.Args()))
		return 1
	}

	ui := &mcli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.ui,
	}

	result, err := config.Load(c.configLoadOpts)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	bd, err := agent.NewBaseDeps(result, c.ui.Stdout())
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	logger := bd.Logger.NamedIntercept(logging.Agent)

	a, err := agent.New(bd)
	if err != nil {
		ui.Error(err.Error())
		return 1
	}
	if err := a.Start(); err != nil {
		ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}

	cfg := result.RuntimeConfig
	ui.Output("Starting portmux agent...")
	ui.Info(fmt.Sprintf("    Version: '%s'", version.GetHumanVersion()))
	ui.Info(fmt.Sprintf("Listen Addr: %s", a.Addr()))
	ui.Info(fmt.Sprintf("  Protocols: %s", strings.Join(a.Protocols(), ", ")))
	ui.Info(fmt.Sprintf("     Routes: %d", len(cfg.Routes)))
	ui.Info(fmt.Sprintf("   Data Dir: '%s'", cfg.DataDir))
	ui.Info(fmt.Sprintf("  Log Level: '%s'", cfg.Logging.LogLevel))
	ui.Output("")
	ui.Output("Log data will now stream in as it occurs:\n")

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	reloadCh := make(chan struct{}, 1)
	if len(cfg.ConfigFiles) > 0 {
		w, err := config.NewFileWatcher(cfg.ConfigFiles, bd.Logger.Named(logging.Watcher))
		if err != nil {
			// the agent runs without automatic reloads
			logger.Error("error loading config watcher", "error", err)
		} else {
			w.Start(ctx)
			g.Go(func() error {
				return forwardChanges(ctx, w, reloadCh)
			})
		}
	}

	code := c.handleSignals(a, ui, logger, reloadCh)
	cancel()
	if err := g.Wait(); err != nil {
		logger.Error("error stopping config watcher", "error", err)
	}
	return code
}

// forwardChanges turns file events into reload requests until ctx is done.
func forwardChanges(ctx context.Context, w *config.FileWatcher, reloadCh chan<- struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return w.Stop()
		case <-w.Events():
			select {
			case reloadCh <- struct{}{}:
			default:
			}
		}
	}
}

// handleSignals blocks until the agent should exit and returns the exit
// code. SIGHUP and config file changes reload the configuration.
func (c *cmd) handleSignals(a *agent.Agent, ui mcli.Ui, logger hclog.Logger, reloadCh <-chan struct{}) int {
	signalCh := make(chan os.Signal, 10)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)
	defer signal.Stop(signalCh)

	for {
		var sig os.Signal
		select {
		case s := <-signalCh:
			sig = s
		case <-reloadCh:
			logger.Info("config files changed")
			sig = syscall.SIGHUP
		case <-c.shutdownCh:
			sig = os.Interrupt
		case <-a.ShutdownCh():
			return 0
		}

		switch sig {
		case syscall.SIGPIPE:
			continue

		case syscall.SIGHUP:
			if err := c.reload(a, logger); err != nil {
				logger.Error("Reload config failed", "error", err)
			}
			continue
		}

		logger.Info("Caught", "signal", sig)
		ui.Output("Gracefully shutting down agent...")

		gracefulCh := make(chan error, 1)
		go func() {
			gracefulCh <- a.ShutdownAgent()
		}()

		select {
		case <-signalCh:
			logger.Info("Caught second signal, exiting", "signal", sig)
			return 1
		case <-time.After(gracefulTimeout):
			logger.Info("Timeout on graceful shutdown. Exiting")
			return 1
		case err := <-gracefulCh:
			if err != nil {
				logger.Error("Error during shutdown", "error", err)
				return 1
			}
			logger.Info("Graceful shutdown complete")
			return 0
		}
	}
}

func (c *cmd) reload(a *agent.Agent, logger hclog.Logger) error {
	logger.Info("Reloading configuration...")
	result, err := config.Load(c.configLoadOpts)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		logger.Warn(w)
	}
	return a.ReloadConfig(result.RuntimeConfig)
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Runs a portmux agent"
const help = `
Usage: portmux agent [options]

  Starts the portmux agent and runs until an interrupt is received. The
  agent serves every registered protocol on a single port.

  SIGHUP, or a change to a config file, reloads the routes and the log
  level.
`
