package mysql

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/agent/proxy"
	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/sdk/testutil"
)

// greeting builds a protocol 10 handshake payload.
func greeting(caps uint32) []byte {
	p := []byte{protocolV10}
	p = append(p, "8.0.36"...)
	p = append(p, 0)
	p = binary.LittleEndian.AppendUint32(p, 42)
	p = append(p, "abcdefgh"...)
	p = append(p, 0)
	p = binary.LittleEndian.AppendUint16(p, uint16(caps))
	p = append(p, 0x21)
	p = binary.LittleEndian.AppendUint16(p, 0x0002)
	p = binary.LittleEndian.AppendUint16(p, uint16(caps>>16))
	p = append(p, 21)
	p = append(p, make([]byte, 10)...)
	p = append(p, "ijklmnopqrst"...)
	p = append(p, 0)
	p = append(p, "mysql_native_password"...)
	return append(p, 0)
}

func handshakeResponse(caps uint32) []byte {
	p := binary.LittleEndian.AppendUint32(nil, caps)
	p = binary.LittleEndian.AppendUint32(p, 1<<24)
	p = append(p, 0x21)
	p = append(p, make([]byte, 23)...)
	p = append(p, "root"...)
	return append(p, 0, 0)
}

func readRaw(t *testing.T, r net.Conn) (byte, []byte) {
	t.Helper()
	r.SetReadDeadline(time.Now().Add(5 * time.Second))
	var h [4]byte
	_, err := io.ReadFull(r, h[:])
	require.NoError(t, err)
	n := int(h[0]) | int(h[1])<<8 | int(h[2])<<16
	p := make([]byte, n)
	_, err = io.ReadFull(r, p)
	require.NoError(t, err)
	return h[3], p
}

func writeRaw(t *testing.T, w net.Conn, seq byte, payload ...byte) {
	t.Helper()
	_, err := w.Write(frame(seq, payload...))
	require.NoError(t, err)
}

// fakeServer runs script against every accepted connection.
func fakeServer(t *testing.T, script func(t *testing.T, c net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				script(t, c)
			}()
		}
	}()
	return l.Addr().String()
}

func startProxy(t *testing.T, config Config) string {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testutil.Logger(t)
	}
	if config.Backend == "" {
		config.Backend = "db"
	}
	p := New(config)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			ch := channel.New(conn, channel.Options{Logger: config.Logger, Kind: "frontend"})
			ch.Start()
			ch.Execute(func() {
				if err := p.Install(ch); err != nil {
					ch.Close()
				}
			})
		}
	}()
	return l.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func routes(t *testing.T, m map[string]string) *routing.Table {
	table, err := routing.NewTable(m)
	require.NoError(t, err)
	return table
}

func requireErr(t *testing.T, c net.Conn, seq byte, code uint16, contains string) {
	t.Helper()
	gotSeq, p := readRaw(t, c)
	require.Equal(t, seq, gotSeq)
	e, ok := parseErr(p)
	require.True(t, ok, "not an ERR packet: %x", p)
	require.Equal(t, code, e.Code)
	require.Equal(t, "HY000", e.SQLState)
	require.Contains(t, e.Message, contains)
}

func requireClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestProxy_Conversation(t *testing.T) {
	for _, deprecateEOF := range []bool{false, true} {
		name := "eof"
		if deprecateEOF {
			name = "deprecate eof"
		}
		t.Run(name, func(t *testing.T) {
			caps := clientProtocol41
			if deprecateEOF {
				caps |= clientDeprecateEOF
			}
			server := fakeServer(t, func(t *testing.T, c net.Conn) {
				writeRaw(t, c, 0, greeting(caps)...)
				seq, p := readRaw(t, c)
				if seq != 1 || binary.LittleEndian.Uint32(p) != caps {
					return
				}
				writeRaw(t, c, 2, okPacket...)

				// a query returning one row
				seq, p = readRaw(t, c)
				if seq != 0 || p[0] != comQuery {
					return
				}
				writeRaw(t, c, 1, 1)
				writeRaw(t, c, 2, columnDef...)
				next := byte(3)
				if !deprecateEOF {
					writeRaw(t, c, next, eofPacket...)
					next++
				}
				writeRaw(t, c, next, row...)
				if deprecateEOF {
					writeRaw(t, c, next+1, okTerminator...)
				} else {
					writeRaw(t, c, next+1, eofPacket...)
				}

				seq, p = readRaw(t, c)
				if seq != 0 || p[0] != comPing {
					return
				}
				writeRaw(t, c, 1, okPacket...)
				io.Copy(io.Discard, c)
			})
			c := dial(t, startProxy(t, Config{Routes: routes(t, map[string]string{"db": server})}))

			seq, p := readRaw(t, c)
			require.Equal(t, byte(0), seq)
			require.Equal(t, greeting(caps), p)

			writeRaw(t, c, 1, handshakeResponse(caps)...)
			seq, p = readRaw(t, c)
			require.Equal(t, byte(2), seq)
			require.Equal(t, okPacket, p)

			writeRaw(t, c, 0, append([]byte{comQuery}, "SELECT 1"...)...)
			_, p = readRaw(t, c)
			require.Equal(t, []byte{1}, p)
			_, p = readRaw(t, c)
			require.Equal(t, columnDef, p)
			if !deprecateEOF {
				_, p = readRaw(t, c)
				require.Equal(t, eofPacket, p)
			}
			_, p = readRaw(t, c)
			require.Equal(t, row, p)
			_, p = readRaw(t, c)
			require.Equal(t, iEOF, p[0])

			writeRaw(t, c, 0, comPing)
			seq, p = readRaw(t, c)
			require.Equal(t, byte(1), seq)
			require.Equal(t, okPacket, p)
		})
	}
}

func TestProxy_NoRoute(t *testing.T) {
	c := dial(t, startProxy(t, Config{Routes: routes(t, nil)}))
	requireErr(t, c, 0, ErrUnknownHost, "'db'")
	requireClosed(t, c)
}

func TestProxy_ConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := dial(t, startProxy(t, Config{Routes: routes(t, map[string]string{"db": addr})}))
	requireErr(t, c, 0, ErrConnectFailed, addr)
	requireClosed(t, c)
}

// failingWrites reads from a real server but fails every write.
type failingWrites struct{ net.Conn }

func (failingWrites) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestProxy_WriteFailure(t *testing.T) {
	server := fakeServer(t, func(t *testing.T, c net.Conn) {
		writeRaw(t, c, 0, greeting(clientProtocol41)...)
		io.Copy(io.Discard, c)
	})
	var d net.Dialer
	c := dial(t, startProxy(t, Config{
		Routes: routes(t, map[string]string{"db": server}),
		Dialer: channel.Dialer{DialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return failingWrites{conn}, nil
		}},
	}))

	seq, _ := readRaw(t, c)
	require.Equal(t, byte(0), seq)
	writeRaw(t, c, 1, handshakeResponse(clientProtocol41)...)
	requireErr(t, c, 2, ErrConnectionLost, "connection reset by peer")
	requireClosed(t, c)
}

func TestProxy_TLSRequestTunnels(t *testing.T) {
	caps := clientProtocol41 | clientSSL
	server := fakeServer(t, func(t *testing.T, c net.Conn) {
		writeRaw(t, c, 0, greeting(caps)...)
		seq, p := readRaw(t, c)
		if seq != 1 || len(p) != 32 {
			return
		}
		// stand-in for the TLS handshake: echo whatever follows
		io.Copy(c, c)
	})
	c := dial(t, startProxy(t, Config{Routes: routes(t, map[string]string{"db": server})}))

	readRaw(t, c)
	ssl := binary.LittleEndian.AppendUint32(nil, caps)
	ssl = binary.LittleEndian.AppendUint32(ssl, 1<<24)
	ssl = append(ssl, 0x21)
	ssl = append(ssl, make([]byte, 23)...)
	writeRaw(t, c, 1, ssl...)

	// not MySQL framing at all
	hello := []byte{0x16, 0x03, 0x01, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}
	_, err := c.Write(hello)
	require.NoError(t, err)

	got := make([]byte, len(hello))
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	require.Equal(t, hello, got)
}

func TestProxy_Descriptor(t *testing.T) {
	d := New(Config{}).Descriptor(9)
	require.Equal(t, "mysql", d.Name)
	require.False(t, d.CanSupport(frame(0, comQuery, 'x')))
}

func TestConn_KeepsGreeting(t *testing.T) {
	front, peer := net.Pipe()
	defer front.Close()
	defer peer.Close()

	p := New(Config{Logger: testutil.Logger(t), Routes: routes(t, nil)})
	c := &conn{proto: p}
	c.session = proxy.NewSession(channel.New(front, channel.Options{Logger: testutil.Logger(t)}), p.session, c)

	_, ok := c.Greeting()
	require.False(t, ok)

	handshake := func(payload []byte) {
		pkt, err := readPacket(framing.NewCursor(frame(0, payload...)), 0)
		require.NoError(t, err)
		c.handshakePacket(nil, pkt)
		// the greeting must not alias the pooled frame
		clear(pkt.Payload())
		pkt.Release()
	}

	handshake(errPayload)
	_, ok = c.Greeting()
	require.False(t, ok, "an ERR packet is not a greeting")

	caps := clientProtocol41 | clientDeprecateEOF
	handshake(greeting(caps))
	g, ok := c.Greeting()
	require.True(t, ok)
	require.Equal(t, greeting(caps), g.Raw)
	require.Equal(t, "8.0.36", g.ServerVersion)
	require.Equal(t, caps, c.serverCaps())
}
