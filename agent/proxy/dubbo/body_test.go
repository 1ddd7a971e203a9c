package dubbo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountParams(t *testing.T) {
	cases := []struct {
		desc string
		n    int
		err  bool
	}{
		{"", 0, false},
		{"I", 1, false},
		{"Ljava/lang/String;", 1, false},
		{"Ljava/lang/String;IJ", 3, false},
		{"[Ljava/lang/String;[I", 2, false},
		{"[[B", 1, false},
		{"Ljava/lang/String", 0, true},
		{"Q", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			n, err := countParams(tc.desc)
			if tc.err {
				require.ErrorIs(t, err, errMalformedBody)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.n, n)
		})
	}
}

func TestParseInvocation(t *testing.T) {
	reg := NewRegistry()
	inv := &Invocation{
		DubboVersion: "2.0.2",
		Path:         "org.example.UserService",
		Version:      "1.0.0",
		Method:       "find",
		ParamTypes:   "Ljava/lang/String;Ljava/lang/String;",
		Args:         []any{"alice", "bob"},
		Attachments:  map[string]string{"backend": "users", "path": "org.example.UserService"},
	}
	for _, id := range []byte{Hessian2ID, FastJSONID, MsgpackID} {
		ser, _ := reg.Lookup(id)
		t.Run(ser.Name(), func(t *testing.T) {
			body, err := EncodeInvocation(ser, inv)
			require.NoError(t, err)

			got, err := ParseInvocation(ser, body)
			require.NoError(t, err)
			require.Equal(t, inv, got)
			require.Equal(t, "users", got.Attachment("backend"))
			require.Empty(t, got.Attachment("missing"))
		})
	}
}

func TestParseInvocation_Malformed(t *testing.T) {
	ser, _ := NewRegistry().Lookup(Hessian2ID)

	short, err := ser.Marshal("2.0.2", "svc")
	require.NoError(t, err)
	_, err = ParseInvocation(ser, short)
	require.ErrorIs(t, err, errMalformedBody)

	notString, err := ser.Marshal("2.0.2", "svc", "1.0", 7)
	require.NoError(t, err)
	_, err = ParseInvocation(ser, notString)
	require.ErrorIs(t, err, errMalformedBody)

	missingArg, err := ser.Marshal("2.0.2", "svc", "1.0", "m", "II", int32(1))
	require.NoError(t, err)
	_, err = ParseInvocation(ser, missingArg)
	require.ErrorIs(t, err, errMalformedBody)
}
