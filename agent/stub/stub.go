// Package stub recognizes protocols that are sniffed on the shared port but
// not served yet. A connection bound to one of them is logged and closed.
package stub

import (
	"bytes"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/agent/mux"
)

const (
	MQTT = "mqtt"
	RTSP = "rtsp"
)

// maxRequestLine bounds how far an RTSP request line is searched for.
const maxRequestLine = 512

// MQTTDescriptor matches an MQTT CONNECT packet of protocol level 3 or later.
func MQTTDescriptor(order int, logger hclog.Logger) mux.Descriptor {
	return mux.Descriptor{
		Name:    MQTT,
		Order:   order,
		Sniff:   sniffMQTT,
		Install: install(MQTT, logger),
	}
}

// RTSPDescriptor matches a request line ending in RTSP/1.0.
func RTSPDescriptor(order int, logger hclog.Logger) mux.Descriptor {
	return mux.Descriptor{
		Name:    RTSP,
		Order:   order,
		Sniff:   sniffRTSP,
		Install: install(RTSP, logger),
	}
}

var mqttNames = [][]byte{[]byte("MQTT"), []byte("MQIsdp")}

const mqttConnect = 0x10

func sniffMQTT(peek []byte) mux.Verdict {
	if len(peek) == 0 {
		return mux.NeedMore
	}
	if peek[0] != mqttConnect {
		return mux.NoMatch
	}
	// remaining length, 1 to 4 bytes of 7 bit groups
	i := 1
	for {
		if i > 4 {
			return mux.NoMatch
		}
		if i >= len(peek) {
			return mux.NeedMore
		}
		more := peek[i]&0x80 != 0
		i++
		if !more {
			break
		}
	}
	if len(peek) < i+2 {
		return mux.NeedMore
	}
	n := int(peek[i])<<8 | int(peek[i+1])
	name := peek[i+2:]
	verdict := mux.NoMatch
	for _, want := range mqttNames {
		if n != len(want) {
			continue
		}
		if len(name) < n {
			if bytes.HasPrefix(want, name) {
				verdict = mux.NeedMore
			}
			continue
		}
		if bytes.Equal(name[:n], want) {
			return mux.Match
		}
	}
	return verdict
}

var rtspMethods = []string{
	"ANNOUNCE", "DESCRIBE", "GET_PARAMETER", "OPTIONS", "PAUSE", "PLAY",
	"RECORD", "REDIRECT", "SETUP", "SET_PARAMETER", "TEARDOWN",
}

var rtspVersion = []byte(" RTSP/1.0")

func sniffRTSP(peek []byte) mux.Verdict {
	if !rtspMethodPrefix(peek) {
		return mux.NoMatch
	}
	end := bytes.IndexByte(peek, '\n')
	if end < 0 {
		if len(peek) >= maxRequestLine {
			return mux.NoMatch
		}
		return mux.NeedMore
	}
	line := bytes.TrimSuffix(peek[:end], []byte{'\r'})
	if bytes.HasSuffix(line, rtspVersion) {
		return mux.Match
	}
	return mux.NoMatch
}

// rtspMethodPrefix reports whether peek starts with, or could still become,
// a known method followed by a space.
func rtspMethodPrefix(peek []byte) bool {
	for _, m := range rtspMethods {
		token := m + " "
		if len(peek) < len(token) {
			if bytes.HasPrefix([]byte(token), peek) {
				return true
			}
			continue
		}
		if bytes.HasPrefix(peek, []byte(token)) {
			return true
		}
	}
	return false
}

func install(name string, logger hclog.Logger) func(*channel.Channel) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(ch *channel.Channel) error {
		metrics.IncrCounterWithLabels([]string{"stub", "rejected"}, 1,
			[]metrics.Label{{Name: "protocol", Value: name}})
		logger.Warn("protocol not implemented, closing connection",
			"protocol", name, "conn", ch.RemoteAddr())
		ch.SetDecoder(discard)
		ch.Close()
		return nil
	}
}

var discard = framing.DecoderFunc(func(in *framing.Cursor) (any, error) {
	in.Skip(in.Len())
	return nil, nil
})
