package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		desc string
		cfgs []Config
		want Config
	}{
		{
			"top level fields",
			[]Config{
				{BindAddr: pString("a")},
				{BindAddr: pString("b")},
				{Port: pInt(1)},
				{Port: pInt(2)},
				{LogJSON: pBool(true)},
				{LogJSON: pBool(false)},
				{Routes: map[string]string{"a": "h:1"}},
				{Routes: map[string]string{"c": "h:2"}},
				{Routes: map[string]string{"c": "h:3"}},
			},
			Config{
				BindAddr: pString("b"),
				Port:     pInt(2),
				LogJSON:  pBool(false),
				Routes: map[string]string{
					"a": "h:1",
					"c": "h:3",
				},
			},
		},
		{
			"nested blocks",
			[]Config{
				{Limits: Limits{MaxSniffBytes: pInt(1), SniffTimeout: pDuration(time.Second)}},
				{Limits: Limits{MaxSniffBytes: pInt(2)}},
				{RPC: RPC{ChunkAckWindow: pInt(4)}},
				{Telemetry: Telemetry{MetricsAddr: pString("127.0.0.1:9102")}},
			},
			Config{
				Limits:    Limits{MaxSniffBytes: pInt(2), SniffTimeout: pDuration(time.Second)},
				RPC:       RPC{ChunkAckWindow: pInt(4)},
				Telemetry: Telemetry{MetricsAddr: pString("127.0.0.1:9102")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			require.Equal(t, tt.want, Merge(tt.cfgs...))
		})
	}
}

func TestMerge_DoesNotAliasInputs(t *testing.T) {
	first := Config{Routes: map[string]string{"a": "h:1"}}
	out := Merge(first, Config{Routes: map[string]string{"b": "h:2"}})
	require.Len(t, out.Routes, 2)
	require.Equal(t, map[string]string{"a": "h:1"}, first.Routes)
}

func pInt(v int) *int                          { return &v }
func pBool(v bool) *bool                       { return &v }
func pString(v string) *string                 { return &v }
func pDuration(v time.Duration) *time.Duration { return &v }
