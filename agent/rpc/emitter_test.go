package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitter_OnAck(t *testing.T) {
	cases := []struct {
		name  string
		sent  uint64
		ack   uint16
		acked uint64
	}{
		{"nothing sent", 0, 0, 0},
		{"first chunk", 1, 0, 1},
		{"latest chunk", 10, 9, 10},
		{"older chunk", 10, 4, 5},
		{"unknown future chunk", 10, 11, 0},
		{"wrapped chunk id", 65536 + 3, 2, 65536 + 3},
		{"before wrap", 65536 + 3, 65535, 65536},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			em := &Emitter{ackSig: make(chan struct{})}
			em.sent.Store(tc.sent)
			sig := em.ackSig
			em.onAck(tc.ack)
			require.Equal(t, tc.acked, em.acked)
			if tc.acked > 0 {
				select {
				case <-sig:
				default:
					t.Fatal("waiters were not woken")
				}
			}
		})
	}
}
