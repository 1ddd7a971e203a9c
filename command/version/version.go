package version

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/mitchellh/cli"

	"github.com/portmux/portmux/api"
	"github.com/portmux/portmux/command/flags"
	"github.com/portmux/portmux/version"
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
	remote bool
}

func (c *cmd) init() {
	c.flags = flag.NewFlagSet("", flag.ContinueOnError)
	c.flags.StringVar(&c.format, "format", "pretty",
		fmt.Sprintf("Output format {%s}", strings.Join(formats, "|")))
	c.flags.BoolVar(&c.remote, "remote", false,
		"Also report the version and protocols of a running agent.")
	c.rpc = &flags.RPCFlags{}
	flags.Merge(c.flags, c.rpc.ClientFlags())
	c.help = flags.Usage(help, c.flags)
}

const (
	PrettyFormat = "pretty"
	JSONFormat   = "json"
)

var formats = []string{PrettyFormat, JSONFormat}

// output is the JSON form of the version command.
type output struct {
	Version  string
	Revision string
	Agent    *api.VersionInfo `json:",omitempty"`
}

func (c *cmd) Run(args []string) int {
	if err := c.flags.Parse(args); err != nil {
		return 1
	}
	if c.format != PrettyFormat && c.format != JSONFormat {
		c.UI.Error(fmt.Sprintf("Invalid format %q, must be one of %s", c.format, strings.Join(formats, ", ")))
		return 1
	}

	out := output{
		Version:  version.GetHumanVersion(),
		Revision: version.GitCommit,
	}
	if c.remote {
		client, err := c.rpc.APIClient()
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error connecting to portmux agent: %s", err))
			return 1
		}
		defer client.Close()
		info, err := client.Version(context.Background())
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error querying agent version: %s", err))
			return 1
		}
		out.Agent = info
	}

	if c.format == JSONFormat {
		b, err := json.MarshalIndent(out, "", "    ")
		if err != nil {
			c.UI.Error(fmt.Sprintf("Error encoding version: %s", err))
			return 1
		}
		c.UI.Output(string(b))
		return 0
	}

	c.UI.Output(fmt.Sprintf("portmux %s", out.Version))
	if out.Revision != "" {
		c.UI.Output(fmt.Sprintf("Revision %s", out.Revision))
	}
	if out.Agent != nil {
		c.UI.Output(fmt.Sprintf("Agent %s, protocols: %s", out.Agent.Version, strings.Join(out.Agent.Protocols, ", ")))
		if olderThan(out.Version, out.Agent.Version) {
			c.UI.Warn("This binary is older than the agent it talks to.")
		}
	}
	return 0
}

// olderThan reports whether local is an older version than remote. Versions
// that do not parse are never older.
func olderThan(local, remote string) bool {
	l, err := goversion.NewVersion(local)
	if err != nil {
		return false
	}
	r, err := goversion.NewVersion(remote)
	if err != nil {
		return false
	}
	return l.LessThan(r)
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return c.help
}

const synopsis = "Prints the portmux version"
const help = `
Usage: portmux version [options]

  Prints the version of this binary, and with -remote that of a running
  agent together with the protocols it serves.
`
