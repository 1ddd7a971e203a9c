package cli

import (
	"io"

	mcli "github.com/mitchellh/cli"
)

// Ui is a mitchellh/cli.Ui that also exposes its writers, so that the
// agent command can send its logs to the same place as its output.
type Ui interface {
	mcli.Ui
	Stdout() io.Writer
	Stderr() io.Writer
}

// BasicUI augments mitchellh/cli.BasicUi by exposing the underlying io.Writer.
type BasicUI struct {
	mcli.BasicUi
}

func (b *BasicUI) Stdout() io.Writer {
	return b.BasicUi.Writer
}

func (b *BasicUI) Stderr() io.Writer {
	return b.BasicUi.ErrorWriter
}

// Command is the interface every portmux command implements.
type Command mcli.Command
