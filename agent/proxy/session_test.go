package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/consul/sdk/testutil/retry"
	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/lib/bufpool"
	"github.com/portmux/portmux/sdk/testutil"
)

// The test protocol frames packets with a one byte length. The first payload
// byte names the backend service, and failures come back as {2, '!', kind}.
var byteFrames = framing.LengthField{Protocol: "test", Size: 1, HeaderLen: 1}

type testProtocol struct{}

func (testProtocol) HandleFrontend(s *Session, msg any) {
	f := msg.(*framing.Frame)
	svc := string(f.Buf.B[1:2])
	s.Forward(Outbound{
		Service: svc,
		Buf:     f.Buf,
		Fail: func(err *BackendUnavailableError) {
			s.Frontend().Write(bufpool.Copy([]byte{2, '!', byte(err.Kind)}))
		},
	})
}

type backend struct {
	addr     string
	accepted atomic.Int32
	closed   atomic.Int32
}

// echoBackend accepts connections and echoes them. With hangUp set it closes
// every connection after the first read.
func echoBackend(t *testing.T, hangUp bool) *backend {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	b := &backend{addr: l.Addr().String()}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			b.accepted.Add(1)
			go func() {
				defer b.closed.Add(1)
				defer c.Close()
				if hangUp {
					c.Read(make([]byte, 64))
					return
				}
				io.Copy(c, c)
			}()
		}
	}()
	return b
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

type proxyServer struct {
	addr     string
	sessions chan *Session
}

func startProxy(t *testing.T, config *Config) *proxyServer {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testutil.Logger(t)
	}
	if config.Protocol == "" {
		config.Protocol = "test"
	}
	if config.BackendDecoder == nil {
		config.BackendDecoder = func(*Link) framing.Decoder { return byteFrames.Decoder() }
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	p := &proxyServer{addr: l.Addr().String(), sessions: make(chan *Session, 16)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			ch := channel.New(conn, channel.Options{Logger: config.Logger, Kind: "frontend"})
			ch.SetDecoder(byteFrames.Decoder())
			p.sessions <- NewSession(ch, config, testProtocol{})
			ch.Start()
			t.Cleanup(func() {
				ch.Close()
				<-ch.Done()
			})
		}
	}()
	return p
}

func (p *proxyServer) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var n [1]byte
	_, err := io.ReadFull(c, n[:])
	require.NoError(t, err)
	out := make([]byte, 1+int(n[0]))
	out[0] = n[0]
	_, err = io.ReadFull(c, out[1:])
	require.NoError(t, err)
	return out
}

func requireEOF(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func newTable(t *testing.T, routes map[string]string) *routing.Table {
	table, err := routing.NewTable(routes)
	require.NoError(t, err)
	return table
}

func TestSession_ForwardsBothWays(t *testing.T) {
	b := echoBackend(t, false)
	p := startProxy(t, &Config{Routes: newTable(t, map[string]string{"a": b.addr})})

	c := p.dial(t)
	for _, msg := range [][]byte{{2, 'a', 'x'}, {4, 'a', 'y', 'z', 'w'}} {
		_, err := c.Write(msg)
		require.NoError(t, err)
		require.Equal(t, msg, readFrame(t, c))
	}
	require.EqualValues(t, 1, b.accepted.Load())
}

func TestSession_FailureSynthesis(t *testing.T) {
	b := echoBackend(t, false)

	brokenDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		local, _ := net.Pipe()
		return brokenConn{local}, nil
	}

	cases := []struct {
		name    string
		routes  map[string]string
		dial    func(ctx context.Context, network, addr string) (net.Conn, error)
		kind    FailureKind
		staysUp bool
	}{
		{name: "no route", routes: map[string]string{"a": b.addr}, kind: NoRoute, staysUp: true},
		{name: "connect failure", routes: map[string]string{"a": b.addr, "z": closedAddr(t)}, kind: ConnectFailed, staysUp: true},
		{name: "write failure", routes: map[string]string{"a": b.addr, "z": b.addr}, dial: brokenDial, kind: WriteFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := startProxy(t, &Config{
				Routes: newTable(t, tc.routes),
				Dialer: channel.Dialer{Timeout: time.Second, DialFunc: tc.dial},
			})
			c := p.dial(t)

			_, err := c.Write([]byte{2, 'z', 'q'})
			require.NoError(t, err)
			require.Equal(t, []byte{2, '!', byte(tc.kind)}, readFrame(t, c))

			if !tc.staysUp {
				// the broken backend closed, and the frontend follows it
				requireEOF(t, c)
				return
			}
			msg := []byte{2, 'a', 'k'}
			_, err = c.Write(msg)
			require.NoError(t, err)
			require.Equal(t, msg, readFrame(t, c))
		})
	}
}

type brokenConn struct {
	net.Conn
}

func (brokenConn) Write([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestSession_ConnectFailureIsNotMemoized(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	p := startProxy(t, &Config{Routes: newTable(t, map[string]string{"a": addr})})
	c := p.dial(t)
	_, err = c.Write([]byte{2, 'a', '1'})
	require.NoError(t, err)
	require.Equal(t, []byte{2, '!', byte(ConnectFailed)}, readFrame(t, c))

	// bring the backend up on the same address
	l, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("address %s was reused: %v", addr, err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	msg := []byte{2, 'a', '2'}
	_, err = c.Write(msg)
	require.NoError(t, err)
	require.Equal(t, msg, readFrame(t, c))
}

func TestSession_SingleConnectAttempt(t *testing.T) {
	b := echoBackend(t, false)
	var dials atomic.Int32
	slowDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	p := startProxy(t, &Config{
		Routes: newTable(t, map[string]string{"a": b.addr}),
		Dialer: channel.Dialer{DialFunc: slowDial},
	})
	c := p.dial(t)

	// both requests arrive before the backend is connected
	_, err := c.Write([]byte{2, 'a', '1', 2, 'a', '2'})
	require.NoError(t, err)
	_, err = c.Write([]byte{2, 'a', '3'})
	require.NoError(t, err)

	require.Equal(t, []byte{2, 'a', '1'}, readFrame(t, c))
	require.Equal(t, []byte{2, 'a', '2'}, readFrame(t, c))
	require.Equal(t, []byte{2, 'a', '3'}, readFrame(t, c))
	require.EqualValues(t, 1, dials.Load())
	require.EqualValues(t, 1, b.accepted.Load())
}

func TestSession_DialsResolvedAddress(t *testing.T) {
	b := echoBackend(t, false)
	_, port, err := net.SplitHostPort(b.addr)
	require.NoError(t, err)

	dialed := make(chan string, 4)
	record := func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialed <- addr
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	p := startProxy(t, &Config{
		Routes: newTable(t, map[string]string{"a": net.JoinHostPort("localhost", port)}),
		Dialer: channel.Dialer{DialFunc: record},
	})
	c := p.dial(t)

	msg := []byte{2, 'a', '1'}
	_, err = c.Write(msg)
	require.NoError(t, err)
	require.Equal(t, msg, readFrame(t, c))
	require.Equal(t, b.addr, <-dialed)
}

func TestSession_UnresolvableBackendFails(t *testing.T) {
	var dials atomic.Int32
	p := startProxy(t, &Config{
		Routes: newTable(t, map[string]string{"a": "127.0.0.1:no-such-port"}),
		Dialer: channel.Dialer{DialFunc: func(context.Context, string, string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("unexpected dial")
		}},
	})
	c := p.dial(t)

	_, err := c.Write([]byte{2, 'a', '1'})
	require.NoError(t, err)
	require.Equal(t, []byte{2, '!', byte(ConnectFailed)}, readFrame(t, c))
	require.Zero(t, dials.Load())
}

func TestSession_TeardownClosesOnlyOwnBackends(t *testing.T) {
	a := echoBackend(t, false)
	b := echoBackend(t, false)
	routes := newTable(t, map[string]string{"a": a.addr, "b": b.addr})
	p := startProxy(t, &Config{Routes: routes})

	first := p.dial(t)
	for _, msg := range [][]byte{{2, 'a', '1'}, {2, 'b', '1'}} {
		_, err := first.Write(msg)
		require.NoError(t, err)
		require.Equal(t, msg, readFrame(t, first))
	}

	second := p.dial(t)
	_, err := second.Write([]byte{2, 'a', '2'})
	require.NoError(t, err)
	require.Equal(t, []byte{2, 'a', '2'}, readFrame(t, second))
	require.EqualValues(t, 2, a.accepted.Load())

	require.NoError(t, first.Close())
	retry.Run(t, func(r *retry.R) {
		require.EqualValues(r, 1, a.closed.Load())
		require.EqualValues(r, 1, b.closed.Load())
	})

	// the other session's backend is untouched
	msg := []byte{2, 'a', '3'}
	_, err = second.Write(msg)
	require.NoError(t, err)
	require.Equal(t, msg, readFrame(t, second))
	require.EqualValues(t, 1, a.closed.Load())
	require.EqualValues(t, 2, a.accepted.Load())
}

func TestSession_BackendCloseClosesFrontend(t *testing.T) {
	b := echoBackend(t, true)
	p := startProxy(t, &Config{Routes: newTable(t, map[string]string{"a": b.addr})})

	c := p.dial(t)
	_, err := c.Write([]byte{2, 'a', '1'})
	require.NoError(t, err)
	requireEOF(t, c)

	s := <-p.sessions
	retry.Run(t, func(r *retry.R) {
		require.True(r, s.Frontend().Closed())
	})
}

func TestBackendUnavailableError(t *testing.T) {
	cause := errors.New("refused")
	err := &BackendUnavailableError{Kind: ConnectFailed, Service: "orders", Address: "10.0.0.1:20880", Err: cause}
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "10.0.0.1:20880")
	require.Equal(t, "connect-failed", err.Kind.String())
	require.Contains(t, (&BackendUnavailableError{Kind: NoRoute, Service: "x"}).Error(), `"x"`)
}
