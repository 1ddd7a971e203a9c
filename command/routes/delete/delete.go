package delete

import (
	"context"
	"flag"
	"fmt"

	"github.com/mitchellh/cli"

	"github.com/portmux/portmux/command/flags"
)

func New(ui cli.Ui) *cmd {
	c := &cmd{UI: ui}
	c.init()
	return c
}

type cmd struct {
	UI    cli.Ui
	flags *flag.FlagSet
	rpc   *flags.RPCFlags
	help  string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.rpc = &flags.RPCFlags{}
	flags.Merge(c.flags, c.rpc.ClientFlags())
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	args = c.flags.Args()
	if len(args) != 1 {
		c.UI.Error(fmt.Sprintf("Expected exactly one service, got %d arguments", len(args)))
		return 1
	}
	service := args[0]

	client, err := c.rpc.APIClient()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to portmux agent: %s", err))
		return 1
	}
	defer client.Close()

	deleted, err := client.Routes().Delete(context.Background(), service)
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error deleting route for %q: %s", service, err))
		return 1
	}
	if !deleted {
		c.UI.Warn(fmt.Sprintf("No route for %q", service))
		return 0
	}
	c.UI.Output(fmt.Sprintf("Deleted the route for %q", service))
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Removes the route of a service"
const help = `
Usage: portmux routes delete [options] SERVICE

  Removes the route for SERVICE, including one that came from a config
  file. The removal is remembered across restarts and reloads.

      $ portmux routes delete users
`
