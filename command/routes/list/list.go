package list

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"

	"github.com/portmux/portmux/agent/routing"
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

	format string
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.format, "format", "pretty", "Output format {pretty|json}")
	c.rpc = &flags.RPCFlags{}
	flags.Merge(c.flags, c.rpc.ClientFlags())
	c.help = flags.Usage(help, c.flags)
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if c.format != "pretty" && c.format != "json" {
		c.UI.Error(fmt.Sprintf("Invalid format %q", c.format))
		return 1
	}

	client, err := c.rpc.APIClient()
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error connecting to portmux agent: %s", err))
		return 1
	}
	defer client.Close()

	routes, version, err := client.Routes().List(context.Background())
	if err != nil {
		c.UI.Error(fmt.Sprintf("Error listing routes: %s", err))
		return 1
	}

	if c.format == "json" {
		b, err := json.MarshalIndent(struct {
			Version uint64
			Routes  []routing.Route
		}{version, routes}, "", "    ")
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error encoding routes: %s", err))
			return 1
		}
		c.UI.Output(string(b))
		return 0
	}

	if len(routes) == 0 {
		c.UI.Info("No routes")
		return 0
	}
	result := []string{"Service\x1fAddress"}
	for _, r := range routes {
		result = append(result, fmt.Sprintf("%s\x1f%s", r.Service, r.Address))
	}
	c.UI.Output(columnize.Format(result, &columnize.Config{Delim: string([]byte{0x1f})}))
	return 0
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Lists the routes of an agent"
const help = `
Usage: portmux routes list [options]

  Lists every route of the agent, sorted by service name:

      $ portmux routes list
`
