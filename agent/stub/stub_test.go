package stub

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/mux"
	"github.com/portmux/portmux/sdk/testutil"
)

func mqttConnectPacket(name string) []byte {
	p := []byte{mqttConnect, byte(10 + len(name)), 0, byte(len(name))}
	p = append(p, name...)
	return append(p, 4, 0x02, 0, 60, 0, 0)
}

func TestSniffMQTT(t *testing.T) {
	v311 := mqttConnectPacket("MQTT")
	v31 := mqttConnectPacket("MQIsdp")
	cases := []struct {
		name string
		peek []byte
		want mux.Verdict
	}{
		{"empty", nil, mux.NeedMore},
		{"3.1.1", v311, mux.Match},
		{"3.1", v31, mux.Match},
		{"partial name", v311[:5], mux.NeedMore},
		{"partial length", []byte{mqttConnect, 0x80}, mux.NeedMore},
		{"long remaining length", append([]byte{mqttConnect, 0x80, 0x01, 0, 4}, "MQTT"...), mux.Match},
		{"remaining length overflow", []byte{mqttConnect, 0x80, 0x80, 0x80, 0x80, 0x01}, mux.NoMatch},
		{"not connect", []byte{0x30, 0x02, 0, 0}, mux.NoMatch},
		{"other name", mqttConnectPacket("MQTX"), mux.NoMatch},
		{"partial other name", []byte{mqttConnect, 12, 0, 4, 'M', 'X'}, mux.NoMatch},
		{"name length mismatch", mqttConnectPacket("MQT"), mux.NoMatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, sniffMQTT(tc.peek))
		})
	}
}

func TestSniffRTSP(t *testing.T) {
	cases := []struct {
		name string
		peek string
		want mux.Verdict
	}{
		{"empty", "", mux.NeedMore},
		{"options", "OPTIONS rtsp://cam/stream RTSP/1.0\r\nCSeq: 1\r\n", mux.Match},
		{"bare newline", "DESCRIBE rtsp://cam RTSP/1.0\n", mux.Match},
		{"partial method", "SET", mux.NeedMore},
		{"partial line", "SETUP rtsp://cam/track1 RTS", mux.NeedMore},
		{"http", "GET / HTTP/1.1\r\n", mux.NoMatch},
		{"http version on rtsp method", "OPTIONS * HTTP/1.1\r\n", mux.NoMatch},
		{"binary", "\xda\xbb", mux.NoMatch},
		{"lowercase", "options rtsp://cam RTSP/1.0\r\n", mux.NoMatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, sniffRTSP([]byte(tc.peek)))
		})
	}
}

func TestSniffRTSP_LineLimit(t *testing.T) {
	peek := make([]byte, 0, maxRequestLine)
	peek = append(peek, "PLAY "...)
	for len(peek) < maxRequestLine {
		peek = append(peek, 'a')
	}
	require.Equal(t, mux.NoMatch, sniffRTSP(peek))
}

func TestInstall_ClosesConnection(t *testing.T) {
	cases := []struct {
		name  string
		input []byte
	}{
		{MQTT, mqttConnectPacket("MQTT")},
		{RTSP, []byte("OPTIONS rtsp://cam RTSP/1.0\r\nCSeq: 1\r\n\r\n")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger := testutil.Logger(t)
			r := mux.NewRegistry()
			require.NoError(t, r.Register(MQTTDescriptor(30, logger)))
			require.NoError(t, r.Register(RTSPDescriptor(40, logger)))

			server, client := net.Pipe()
			t.Cleanup(func() { client.Close() })
			ch := channel.New(server, channel.Options{Logger: logger})
			ch.SetDecoder(r.NewSniffer(ch, mux.SnifferConfig{Logger: logger}))
			ch.Start()

			go client.Write(tc.input)
			select {
			case <-ch.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("connection was not closed")
			}
		})
	}
}
