package command

import (
	"fmt"

	mcli "github.com/mitchellh/cli"

	"github.com/portmux/portmux/command/agent"
	"github.com/portmux/portmux/command/cli"
	"github.com/portmux/portmux/command/ping"
	"github.com/portmux/portmux/command/routes"
	routesdelete "github.com/portmux/portmux/command/routes/delete"
	routeslist "github.com/portmux/portmux/command/routes/list"
	routesset "github.com/portmux/portmux/command/routes/set"
	"github.com/portmux/portmux/command/version"
)

// RegisteredCommands returns a realized mapping of available CLI commands in a format that
// the CLI class can consume.
func RegisteredCommands(ui cli.Ui) map[string]mcli.CommandFactory {
	registry := map[string]mcli.CommandFactory{}
	registerCommands(ui, registry,
		entry{"agent", func(ui cli.Ui) (cli.Command, error) { return agent.New(ui), nil }},
		entry{"ping", func(ui cli.Ui) (cli.Command, error) { return ping.New(ui), nil }},
		entry{"routes", func(cli.Ui) (cli.Command, error) { return routes.New(), nil }},
		entry{"routes delete", func(ui cli.Ui) (cli.Command, error) { return routesdelete.New(ui), nil }},
		entry{"routes list", func(ui cli.Ui) (cli.Command, error) { return routeslist.New(ui), nil }},
		entry{"routes set", func(ui cli.Ui) (cli.Command, error) { return routesset.New(ui), nil }},
		entry{"version", func(ui cli.Ui) (cli.Command, error) { return version.New(ui), nil }},
	)
	return registry
}

// factory is a function that returns a new instance of a CLI-sub command.
type factory func(cli.Ui) (cli.Command, error)

// entry is a struct that contains a command's name and a factory for that command.
type entry struct {
	name string
	fn   factory
}

func registerCommands(ui cli.Ui, m map[string]mcli.CommandFactory, cmdEntries ...entry) {
	for _, ent := range cmdEntries {
		thisFn := ent.fn
		if _, ok := m[ent.name]; ok {
			panic(fmt.Sprintf("duplicate command: %q", ent.name))
		}
		m[ent.name] = func() (mcli.Command, error) {
			return thisFn(ui)
		}
	}
}
