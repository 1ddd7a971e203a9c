package routes

import (
	"github.com/mitchellh/cli"

	"github.com/portmux/portmux/command/flags"
)

func New() *cmd {
	return &cmd{}
}

type cmd struct{}

func (c *cmd) Run(args []string) int {
	return cli.RunResultHelp
}

func (c *cmd) Synopsis() string {
	return synopsis
}

func (c *cmd) Help() string {
	return flags.Usage(help, nil)
}

const synopsis = "Inspect and change the routes of a running agent"
const help = `
Usage: portmux routes <subcommand> [options] [args]

  This command has subcommands for managing the routes that map service
  names to backend addresses. Routes changed here are persisted in the
  agent's data directory and survive restarts.

  List the routes:

      $ portmux routes list

  Route a service:

      $ portmux routes set users 10.0.0.5:20880

  Remove a route:

      $ portmux routes delete users

  For more examples, ask for subcommand help or view the documentation.
`
