package mux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/framing"
	"github.com/portmux/portmux/sdk/testutil"
)

func magic(prefix ...byte) func([]byte) Verdict {
	return MatchPrefix(prefix)
}

func TestMatchPrefix(t *testing.T) {
	sniff := MatchPrefix([]byte{0xda, 0xbb})
	cases := []struct {
		peek []byte
		want Verdict
	}{
		{nil, NeedMore},
		{[]byte{0xda}, NeedMore},
		{[]byte{0xdb}, NoMatch},
		{[]byte{0xda, 0xbb}, Match},
		{[]byte{0xda, 0xbb, 0x01}, Match},
		{[]byte{0xda, 0xbc, 0x01}, NoMatch},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, sniff(tc.peek), "% x", tc.peek)
	}
}

func noopInstall(*channel.Channel) error { return nil }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "a", Sniff: magic('a'), Install: noopInstall}))

	err := r.Register(Descriptor{Name: "a", Sniff: magic('b'), Install: noopInstall})
	require.ErrorIs(t, err, ErrDuplicateProtocol)

	cases := []Descriptor{
		{Sniff: magic('x'), Install: noopInstall},
		{Name: "x", Install: noopInstall},
		{Name: "x", Sniff: magic('x')},
	}
	for _, d := range cases {
		require.ErrorIs(t, r.Register(d), ErrInvalidDescriptor)
	}

	require.ErrorIs(t, r.SetIdleFallback("missing", time.Second), ErrUnknownProtocol)
	require.NoError(t, r.SetIdleFallback("a", time.Second))
}

func TestRegistry_DescriptorsOrdered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "late", Order: 20, Sniff: magic('l'), Install: noopInstall}))
	require.NoError(t, r.Register(Descriptor{Name: "first", Order: 10, Sniff: magic('f'), Install: noopInstall}))
	require.NoError(t, r.Register(Descriptor{Name: "second", Order: 10, Sniff: magic('s'), Install: noopInstall}))

	var names []string
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	require.Equal(t, []string{"first", "second", "late"}, names)
}

func TestRegistry_SelectIsOrderIndependent(t *testing.T) {
	descs := []Descriptor{
		{Name: "dubbo", Order: 10, Sniff: magic(0xda, 0xbb), Install: noopInstall},
		{Name: "rpc", Order: 10, Sniff: magic(0xca, 0xfe, 'R', 'P', 'C'), Install: noopInstall},
		{Name: "mqtt", Order: 30, Sniff: magic(0x10), Install: noopInstall},
	}
	prefixes := map[string][]byte{
		"dubbo": {0xda, 0xbb, 0xc2, 0x00},
		"rpc":   {0xca, 0xfe, 'R', 'P', 'C', 0, 0, 1},
		"mqtt":  {0x10, 0x0c, 0x00},
	}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, perm := range perms {
		r := NewRegistry()
		for _, i := range perm {
			require.NoError(t, r.Register(descs[i]))
		}
		for want, prefix := range prefixes {
			d, _ := r.Select(prefix)
			require.NotNil(t, d)
			require.Equal(t, want, d.Name, "perm %v", perm)
			require.True(t, d.CanSupport(prefix))
		}

		d, undecided := r.Select([]byte{0xca})
		require.Nil(t, d)
		require.True(t, undecided)

		d, undecided = r.Select([]byte{0x00})
		require.Nil(t, d)
		require.False(t, undecided)
	}
}

func pair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		accepted <- c
	}()
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

// echoInstall installs a pipeline that echoes every byte back with a tag.
func echoInstall(tag byte) func(*channel.Channel) error {
	return func(ch *channel.Channel) error {
		ch.SetDecoder(framing.DecoderFunc(func(in *framing.Cursor) (any, error) {
			return &framing.Frame{Buf: in.NextBuf(in.Len())}, nil
		}))
		ch.SetHandler(channel.HandlerFunc(func(ch *channel.Channel, msg any) {
			f := msg.(*framing.Frame)
			f.Buf.B = append([]byte{tag}, f.Buf.B...)
			ch.WriteAndFlush(f.Buf)
		}))
		return nil
	}
}

func serve(t *testing.T, r *Registry, cfg SnifferConfig, conn net.Conn) *channel.Channel {
	t.Helper()
	cfg.Logger = testutil.Logger(t)
	ch := channel.New(conn, channel.Options{Logger: cfg.Logger})
	ch.SetDecoder(r.NewSniffer(ch, cfg))
	ch.Start()
	t.Cleanup(func() {
		ch.Close()
		<-ch.Done()
	})
	return ch
}

func testRegistry(t *testing.T) *Registry {
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Name: "alpha", Sniff: magic('A', 'L'), Install: echoInstall('a')}))
	require.NoError(t, r.Register(Descriptor{Name: "beta", Sniff: magic('B', 'E'), Install: echoInstall('b')}))
	return r
}

func TestSniffer_InstallsMatchingPipeline(t *testing.T) {
	server, client := pair(t)
	serve(t, testRegistry(t), SnifferConfig{}, server)

	// the marker arrives split; nothing is installed until it is whole
	_, err := client.Write([]byte{'B'})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = client.Write([]byte{'E', 'x'})
	require.NoError(t, err)

	got := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, []byte("bBEx"), got)

	// once bound the sniffer is bypassed: a later alpha marker is just data
	_, err = client.Write([]byte("AL"))
	require.NoError(t, err)
	got = make([]byte, 3)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, []byte("bAL"), got)
}

func TestSniffer_ClosesConnection(t *testing.T) {
	cases := []struct {
		name  string
		cfg   SnifferConfig
		input []byte
	}{
		{"no descriptor matches", SnifferConfig{}, []byte("ZZ")},
		{"sniff limit exceeded", SnifferConfig{MaxSniffBytes: 1}, []byte("A")},
		{"timeout", SnifferConfig{Timeout: 50 * time.Millisecond}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, client := pair(t)
			ch := serve(t, testRegistry(t), tc.cfg, server)
			if tc.input != nil {
				_, err := client.Write(tc.input)
				require.NoError(t, err)
			}
			select {
			case <-ch.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("connection was not closed")
			}
		})
	}
}

func TestSniffer_IdleFallback(t *testing.T) {
	r := testRegistry(t)
	greeted := make(chan struct{})
	require.NoError(t, r.Register(Descriptor{
		Name:  "server-first",
		Order: 100,
		Sniff: func([]byte) Verdict { return NoMatch },
		Install: func(ch *channel.Channel) error {
			close(greeted)
			return echoInstall('s')(ch)
		},
	}))
	require.NoError(t, r.SetIdleFallback("server-first", 20*time.Millisecond))

	server, client := pair(t)
	serve(t, r, SnifferConfig{}, server)

	select {
	case <-greeted:
	case <-time.After(5 * time.Second):
		t.Fatal("fallback was not installed")
	}

	_, err := client.Write([]byte("hi"))
	require.NoError(t, err)
	got := make([]byte, 3)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, []byte("shi"), got)
}

func TestSniffer_NoFallbackOnceBytesSeen(t *testing.T) {
	r := testRegistry(t)
	fallback := make(chan struct{}, 1)
	require.NoError(t, r.Register(Descriptor{
		Name:    "server-first",
		Order:   100,
		Sniff:   func([]byte) Verdict { return NoMatch },
		Install: func(*channel.Channel) error { fallback <- struct{}{}; return nil },
	}))
	require.NoError(t, r.SetIdleFallback("server-first", 50*time.Millisecond))

	server, client := pair(t)
	serve(t, r, SnifferConfig{}, server)
	_, err := client.Write([]byte{'A'})
	require.NoError(t, err)

	select {
	case <-fallback:
		t.Fatal("fallback installed after the client spoke")
	case <-time.After(150 * time.Millisecond):
	}
}
