package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddFlags(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want LoadOpts
		err  string
	}{
		{
			name: "none",
		},
		{
			name: "bind and port",
			args: []string{"-bind", "127.0.0.1", "-port=7171"},
			want: LoadOpts{FlagValues: Config{BindAddr: pString("127.0.0.1"), Port: pInt(7171)}},
		},
		{
			name: "bool without value",
			args: []string{"-mysql", "-dubbo=false"},
			want: LoadOpts{FlagValues: Config{
				MySQL: MySQL{Enabled: pBool(true)},
				Dubbo: Dubbo{Enabled: pBool(false)},
			}},
		},
		{
			name: "sources",
			args: []string{"-config-file", "a.hcl", "-config-dir", "conf.d", "-hcl", `port = 1`},
			want: LoadOpts{ConfigFiles: []string{"a.hcl", "conf.d"}, HCL: []string{`port = 1`}},
		},
		{
			name: "routes",
			args: []string{"-route", "users=10.0.0.1:20880", "-route", "orders=10.0.0.2:20880"},
			want: LoadOpts{FlagValues: Config{Routes: map[string]string{
				"users":  "10.0.0.1:20880",
				"orders": "10.0.0.2:20880",
			}}},
		},
		{
			name: "duration",
			args: []string{"-sniff-timeout", "2s"},
			want: LoadOpts{FlagValues: Config{Limits: Limits{SniffTimeout: pDuration(2 * time.Second)}}},
		},
		{
			name: "bad port",
			args: []string{"-port", "http"},
			err:  `invalid value "http" for flag -port`,
		},
		{
			name: "bad route",
			args: []string{"-route", "users"},
			err:  `invalid key=value pair "users"`,
		},
		{
			name: "bad bool",
			args: []string{"-mysql=maybe"},
			err:  `invalid boolean "maybe"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got LoadOpts
			fs := flag.NewFlagSet("", flag.ContinueOnError)
			fs.SetOutput(io.Discard)
			AddFlags(fs, &got)

			err := fs.Parse(tc.args)
			if tc.err != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.err)
				return
			}
			require.NoError(t, err)
			if tc.want.FlagValues.Routes == nil {
				// the route flag always allocates its map
				tc.want.FlagValues.Routes = map[string]string{}
			}
			require.Equal(t, tc.want, got)
		})
	}
}
