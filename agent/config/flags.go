package config

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// AddFlags adds the command line flags of the agent to fs. Parsed values are
// recorded in f: config files and inline HCL as sources, everything else as
// FlagValues overriding them.
func AddFlags(fs *flag.FlagSet, f *LoadOpts) {
	add := func(p interface{}, name, help string) {
		switch x := p.(type) {
		case **bool:
			fs.Var(newBoolPtrValue(x), name, help)
		case **time.Duration:
			fs.Var(newDurationPtrValue(x), name, help)
		case **int:
			fs.Var(newIntPtrValue(x), name, help)
		case **string:
			fs.Var(newStringPtrValue(x), name, help)
		case *[]string:
			fs.Var(newStringSliceValue(x), name, help)
		case *map[string]string:
			fs.Var(newStringMapValue(x), name, help)
		default:
			panic(fmt.Sprintf("invalid type: %T", p))
		}
	}

	add(&f.FlagValues.BindAddr, "bind", "Sets the address the agent listens on. Accepts go-sockaddr templates.")
	add(&f.FlagValues.Port, "port", "Sets the port the agent listens on.")
	add(&f.FlagValues.DataDir, "data-dir", "Path to a data directory to store routes changed at runtime.")
	add(&f.ConfigFiles, "config-file", "Path to a HCL or JSON file to read configuration from. "+
		"This can be specified multiple times.")
	add(&f.ConfigFiles, "config-dir", "Path to a directory to read configuration files from. "+
		"Every file ending in \".hcl\" or \".json\" is read, in alphabetical order. "+
		"This can be specified multiple times.")
	add(&f.HCL, "hcl", "HCL configuration fragment. This can be specified multiple times.")
	add(&f.FlagValues.LogLevel, "log-level", "Log level of the agent.")
	add(&f.FlagValues.LogJSON, "log-json", "Output logs in JSON format.")
	add(&f.FlagValues.LogFile, "log-file", "Path to a file to write logs to in addition to stdout.")
	add(&f.FlagValues.Routes, "route", "Routes a service to a backend, as service=host:port. "+
		"This can be specified multiple times.")
	add(&f.FlagValues.Dubbo.Enabled, "dubbo", "Enables the Dubbo proxy.")
	add(&f.FlagValues.MySQL.Enabled, "mysql", "Enables the MySQL proxy for clients that wait for the server.")
	add(&f.FlagValues.MySQL.Backend, "mysql-backend", "Service the MySQL proxy connects to.")
	add(&f.FlagValues.Limits.SniffTimeout, "sniff-timeout", "Closes connections whose protocol is not known after this long.")
	add(&f.FlagValues.Telemetry.MetricsAddr, "metrics-addr", "Address to serve /metrics on.")
}

// boolPtrValue is a flag.Value which stores the value in a *bool if it
// can be parsed with strconv.ParseBool. If the value was not set the
// pointer is nil.
type boolPtrValue struct {
	v **bool
	b bool
}

func newBoolPtrValue(p **bool) *boolPtrValue {
	return &boolPtrValue{p, false}
}

func (s *boolPtrValue) IsBoolFlag() bool { return true }

func (s *boolPtrValue) Set(val string) error {
	b, err := parseBool(val)
	if err != nil {
		return err
	}
	*s.v, s.b = &b, true
	return nil
}

func (s *boolPtrValue) Get() interface{} {
	if s.b {
		return *s.v
	}
	return (*bool)(nil)
}

func (s *boolPtrValue) String() string {
	if s.b {
		return fmt.Sprintf("%v", **s.v)
	}
	return ""
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(val) {
	case "1", "t", "true":
		return true, nil
	case "0", "f", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", val)
}

// durationPtrValue is a flag.Value which stores the value in a
// *time.Duration if it can be parsed with time.ParseDuration. If the
// value was not set the pointer is nil.
type durationPtrValue struct {
	v **time.Duration
	b bool
}

func newDurationPtrValue(p **time.Duration) *durationPtrValue {
	return &durationPtrValue{p, false}
}

func (s *durationPtrValue) Set(val string) error {
	d, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*s.v, s.b = &d, true
	return nil
}

func (s *durationPtrValue) Get() interface{} {
	if s.b {
		return *s.v
	}
	return (*time.Duration)(nil)
}

func (s *durationPtrValue) String() string {
	if s.b {
		return (*(*s).v).String()
	}
	return ""
}

// intPtrValue is a flag.Value which stores the value in a *int if it
// can be parsed with fmt.Sscan. If the value was not set the pointer
// is nil.
type intPtrValue struct {
	v **int
	b bool
}

func newIntPtrValue(p **int) *intPtrValue {
	return &intPtrValue{p, false}
}

func (s *intPtrValue) Set(val string) error {
	var n int
	if _, err := fmt.Sscan(val, &n); err != nil {
		return err
	}
	*s.v, s.b = &n, true
	return nil
}

func (s *intPtrValue) Get() interface{} {
	if s.b {
		return *s.v
	}
	return (*int)(nil)
}

func (s *intPtrValue) String() string {
	if s.b {
		return fmt.Sprintf("%d", **s.v)
	}
	return ""
}

// stringMapValue is a flag.Value which stores key=value pairs in a map.
type stringMapValue map[string]string

func newStringMapValue(p *map[string]string) *stringMapValue {
	*p = map[string]string{}
	return (*stringMapValue)(p)
}

func (s *stringMapValue) Set(val string) error {
	p := strings.SplitN(val, "=", 2)
	if len(p) != 2 {
		return fmt.Errorf("invalid key=value pair %q", val)
	}
	k, v := p[0], p[1]
	(*s)[k] = v
	return nil
}

func (s *stringMapValue) Get() interface{} {
	return s
}

func (s *stringMapValue) String() string {
	var x []string
	for k, v := range *s {
		if v == "" {
			x = append(x, k)
		} else {
			x = append(x, k+"="+v)
		}
	}
	return strings.Join(x, " ")
}

// stringPtrValue is a flag.Value which stores the value in a *string.
// If the value was not set the pointer is nil.
type stringPtrValue struct {
	v **string
	b bool
}

func newStringPtrValue(p **string) *stringPtrValue {
	return &stringPtrValue{p, false}
}

func (s *stringPtrValue) Set(val string) error {
	*s.v, s.b = &val, true
	return nil
}

func (s *stringPtrValue) Get() interface{} {
	if s.b {
		return *s.v
	}
	return (*string)(nil)
}

func (s *stringPtrValue) String() string {
	if s.b {
		return **s.v
	}
	return ""
}

// stringSliceValue is a flag.Value which appends the value to a []string.
type stringSliceValue []string

func newStringSliceValue(p *[]string) *stringSliceValue {
	return (*stringSliceValue)(p)
}

func (s *stringSliceValue) Set(val string) error {
	*s = append(*s, val)
	return nil
}

func (s *stringSliceValue) Get() interface{} {
	return s
}

func (s *stringSliceValue) String() string {
	return strings.Join(*s, ",")
}
