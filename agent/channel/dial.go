package channel

import (
	"context"
	"net"
	"time"
)

// Dialer opens client channels.
type Dialer struct {
	// Timeout bounds connection establishment.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the net default.
	KeepAlive time.Duration

	// DialFunc overrides the network dial, mostly for tests.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial connects to addr and returns an unstarted channel. The caller sets the
// decoder and handler and then calls Start.
func (d *Dialer) Dial(ctx context.Context, addr string, opts Options) (*Channel, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	dial := d.DialFunc
	if dial == nil {
		nd := &net.Dialer{KeepAlive: d.KeepAlive}
		dial = nd.DialContext
	}
	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetNoDelay(true)
	}
	return New(conn, opts), nil
}
