package flags

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlagMapValue_Set(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want map[string]string
		err  string
	}{
		{name: "missing =", args: []string{"foo"}, err: `Missing "=" value`},
		{name: "sets", args: []string{"foo=bar"}, want: map[string]string{"foo": "bar"}},
		{name: "empty value", args: []string{"foo="}, want: map[string]string{"foo": ""}},
		{name: "value with =", args: []string{"db=a=b"}, want: map[string]string{"db": "a=b"}},
		{
			name: "sets multiple",
			args: []string{"users=10.0.0.1:20880", "db=10.0.0.2:3306"},
			want: map[string]string{"users": "10.0.0.1:20880", "db": "10.0.0.2:3306"},
		},
		{name: "overwrites", args: []string{"foo=bar", "foo=zip"}, want: map[string]string{"foo": "zip"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := new(FlagMapValue)
			var err error
			for _, arg := range tc.args {
				if err = f.Set(arg); err != nil {
					break
				}
			}
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, map[string]string(*f))
		})
	}
}

func TestFlagMapValue_String(t *testing.T) {
	f := new(FlagMapValue)
	require.Equal(t, "", f.String())
	require.NoError(t, f.Set("b=2"))
	require.NoError(t, f.Set("a=1"))
	require.Equal(t, "a=1,b=2", f.String())
}

func TestFlagMapValue_Merge(t *testing.T) {
	cases := map[string]struct {
		src FlagMapValue
		dst map[string]string
		exp map[string]string
	}{
		"empty source and destination": {},
		"empty source": {
			dst: map[string]string{"key": "val"},
			exp: map[string]string{"key": "val"},
		},
		"empty destination": {
			src: map[string]string{"key": "val"},
			dst: make(map[string]string),
			exp: map[string]string{"key": "val"},
		},
		"destination wins": {
			src: map[string]string{"key1": "val1", "key2": "val2"},
			dst: map[string]string{"key1": "val2", "key3": "val3"},
			exp: map[string]string{"key1": "val2", "key2": "val2", "key3": "val3"},
		},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			c.src.Merge(c.dst)
			require.Equal(t, c.exp, c.dst)
		})
	}
}
