package flags

import (
	"flag"
	"time"

	"github.com/portmux/portmux/api"
)

// RPCFlags are the flags of every command that talks to a running agent.
type RPCFlags struct {
	address StringValue
	timeout DurationValue
}

func (f *RPCFlags) ClientFlags() *flag.FlagSet {
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.Var(&f.address, "rpc-addr",
		"The `address` and port of the agent. This can also be specified "+
			"via the "+api.RPCAddrEnvName+" environment variable. The "+
			"default value is "+api.DefaultAddress+".")
	fs.Var(&f.timeout, "timeout",
		"Bounds every call made to the agent. This can also be specified "+
			"via the "+api.RPCTimeoutEnvName+" environment variable.")
	return fs
}

func (f *RPCFlags) Addr() string {
	return f.address.String()
}

// APIClient returns a client configured from the environment, overridden
// by the flags that were set.
func (f *RPCFlags) APIClient() (*api.Client, error) {
	c := api.DefaultConfig()
	f.address.Merge(&c.Address)
	f.timeout.Merge(&c.Timeout)
	return api.NewClient(c)
}

// StringValue provides a flag value that's aware if it has been set.
type StringValue struct {
	v *string
}

// Merge will overlay this value if it has been set.
func (s *StringValue) Merge(onto *string) {
	if s.v != nil {
		*onto = *(s.v)
	}
}

// Set implements the flag.Value interface.
func (s *StringValue) Set(v string) error {
	if s.v == nil {
		s.v = new(string)
	}
	*(s.v) = v
	return nil
}

// String implements the flag.Value interface.
func (s *StringValue) String() string {
	var current string
	if s.v != nil {
		current = *(s.v)
	}
	return current
}

// DurationValue provides a flag value that's aware if it has been set.
type DurationValue struct {
	v *time.Duration
}

// Merge will overlay this value if it has been set.
func (d *DurationValue) Merge(onto *time.Duration) {
	if d.v != nil {
		*onto = *(d.v)
	}
}

// Set implements the flag.Value interface.
func (d *DurationValue) Set(v string) error {
	if d.v == nil {
		d.v = new(time.Duration)
	}
	var err error
	*(d.v), err = time.ParseDuration(v)
	return err
}

// String implements the flag.Value interface.
func (d *DurationValue) String() string {
	var current time.Duration
	if d.v != nil {
		current = *(d.v)
	}
	return current.String()
}
