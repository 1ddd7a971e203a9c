package ping

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

	client, err := c.rpc.APIClient()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to portmux agent: %s", err))
		return 1
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		c.UI.Error(fmt.Sprintf("Error pinging %s: %s", client.Address(), err))
		return 1
	}
	c.UI.Output(fmt.Sprintf("pong from %s", client.Address()))
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Checks that an agent answers RPC calls"
const help = `
Usage: portmux ping [options]

  Calls the Status.Ping method of an agent and reports whether it answered.
`
