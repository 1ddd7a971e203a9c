package set

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
	if len(args) != 2 {
		c.UI.Error(fmt.Sprintf("Expected a service and an address, got %d arguments", len(args)))
		return 1
	}
	service, address := args[0], args[1]

	client, err := c.rpc.APIClient()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to portmux agent: %s", err))
		return 1
	}
	defer client.Close()

	if err := client.Routes().Set(context.Background(), service, address); err != nil {
		c.UI.Error(fmt.Sprintf("Error setting route for %q: %s", service, err))
		return 1
	}
	c.UI.Output(fmt.Sprintf("Routed %q to %s", service, address))
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Routes a service to a backend"
const help = `
Usage: portmux routes set [options] SERVICE ADDRESS

  Routes requests for SERVICE to the backend at ADDRESS, replacing any
  previous route. ADDRESS must be a host:port pair.

      $ portmux routes set users 10.0.0.5:20880
`
