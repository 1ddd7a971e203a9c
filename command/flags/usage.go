package flags

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/kr/text"
)

func Usage(txt string, flags *flag.FlagSet) string {
	u := &Usager{
		Usage: txt,
		Flags: flags,
	}
	return u.String()
}

// Usager renders a command's help text followed by its flags.
type Usager struct {
	Usage string
	Flags *flag.FlagSet
}

func (u *Usager) String() string {
	out := new(bytes.Buffer)
	out.WriteString(strings.TrimSpace(u.Usage))
	out.WriteString("\n")
	out.WriteString("\n")

	if u.Flags != nil {
		var rpcFlags, cmdFlags []*flag.Flag
		rpc := (&RPCFlags{}).ClientFlags()
		u.Flags.VisitAll(func(f *flag.Flag) {
			if rpc.Lookup(f.Name) != nil {
				rpcFlags = append(rpcFlags, f)
			} else {
				cmdFlags = append(cmdFlags, f)
			}
		})
		if len(rpcFlags) > 0 {
			printTitle(out, "RPC API Options")
			for _, f := range rpcFlags {
				printFlag(out, f)
			}
		}
		if len(cmdFlags) > 0 {
			printTitle(out, "Command Options")
			for _, f := range cmdFlags {
				printFlag(out, f)
			}
		}
	}

	return strings.TrimRight(out.String(), "\n")
}

// printTitle prints a consistently-formatted title to the given writer.
func printTitle(w io.Writer, s string) {
	fmt.Fprintf(w, "%s\n\n", s)
}

// printFlag prints a single flag to the given writer.
func printFlag(w io.Writer, f *flag.Flag) {
	example, _ := flag.UnquoteUsage(f)
	if example != "" {
		fmt.Fprintf(w, "  -%s=<%s>\n", f.Name, example)
	} else {
		fmt.Fprintf(w, "  -%s\n", f.Name)
	}

	indented := wrapAtLength(f.Usage, 5)
	fmt.Fprintf(w, "%s\n\n", indented)
}

// maxLineLength is the maximum width of any line.
const maxLineLength int = 72

// wrapAtLength wraps the given text at the maxLineLength, taking into account
// any provided left padding.
func wrapAtLength(s string, pad int) string {
	wrapped := text.Wrap(s, maxLineLength-pad)
	return text.Indent(wrapped, strings.Repeat(" ", pad))
}
