// Package api is the client for the administrative RPC services of a
// running portmux agent.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/agent/rpc"
)

const (
	// RPCAddrEnvName defines an environment variable name which sets the
	// RPC address if there is no -rpc-addr specified.
	RPCAddrEnvName = "PORTMUX_RPC_ADDR"

	// RPCTimeoutEnvName sets the call timeout if there is no -timeout
	// specified.
	RPCTimeoutEnvName = "PORTMUX_RPC_TIMEOUT"

	DefaultAddress = "127.0.0.1:7070"

	StatusService  = "Status"
	RoutingService = "Routing"
	ServiceVersion = "1"
)

// VersionInfo is the result of Status.Version.
type VersionInfo struct {
	Version   string
	Revision  string
	Protocols []string
}

// Stats is the result of Status.Stats.
type Stats struct {
	Channels      int
	Routes        int
	RoutesVersion uint64
}

// statusAPI and routingAPI describe the remote services; they are only used
// to derive the stubs.
type statusAPI interface {
	Ping(ctx context.Context) (string, error)
	Version(ctx context.Context) (VersionInfo, error)
	Stats(ctx context.Context) (Stats, error)
}

type routingAPI interface {
	List(ctx context.Context) (*rpc.Stream, error)
	Set(ctx context.Context, service, address string) error
	Delete(ctx context.Context, service string) (bool, error)
}

// Config is used to configure the creation of a client.
type Config struct {
	// Address is the host:port of the agent.
	Address string

	// Timeout bounds every call. Zero uses the RPC default.
	Timeout time.Duration

	Logger hclog.Logger
}

// DefaultConfig returns a default configuration for the client, honoring
// PORTMUX_RPC_ADDR and PORTMUX_RPC_TIMEOUT.
func DefaultConfig() *Config {
	config := &Config{Address: DefaultAddress}
	if addr := os.Getenv(RPCAddrEnvName); addr != "" {
		config.Address = addr
	}
	if v := os.Getenv(RPCTimeoutEnvName); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Timeout = d
		}
	}
	return config
}

// Client talks to one agent. It dials lazily and redials after the
// connection is lost.
type Client struct {
	config  Config
	pool    *rpc.ConnPool
	status  *rpc.Stub
	routing *rpc.Stub
}

var (
	statusDesc  = mustDescribe(StatusService, (*statusAPI)(nil))
	routingDesc = mustDescribe(RoutingService, (*routingAPI)(nil))
)

func mustDescribe(service string, iface any) *rpc.ServiceDesc {
	desc, err := rpc.DescribeInterface(service, ServiceVersion, iface)
	if err != nil {
		panic(err)
	}
	return desc
}

// NewClient returns a new client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	c := *config
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.Timeout < 0 {
		return nil, fmt.Errorf("invalid timeout %s", c.Timeout)
	}
	pool := &rpc.ConnPool{
		Logger: c.Logger,
		Client: rpc.ClientConfig{Logger: c.Logger, DefaultTimeout: c.Timeout},
	}
	target := pool.Target(c.Address)
	return &Client{
		config:  c,
		pool:    pool,
		status:  rpc.NewStub(statusDesc, target),
		routing: rpc.NewStub(routingDesc, target),
	}, nil
}

// Address is the agent the client talks to.
func (c *Client) Address() string { return c.config.Address }

// Close closes the connection to the agent.
func (c *Client) Close() error { return c.pool.Shutdown() }

// Ping checks that the agent answers calls.
func (c *Client) Ping(ctx context.Context) error {
	pong, err := rpc.CallFor[string](ctx, c.status, "Ping")
	if err != nil {
		return err
	}
	if pong != "pong" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

// Version returns the agent's version and the protocols it serves.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	info, err := rpc.CallFor[VersionInfo](ctx, c.status, "Version")
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats returns connection and routing counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	stats, err := rpc.CallFor[Stats](ctx, c.status, "Stats")
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// Routes returns a handle to the routing endpoints.
func (c *Client) Routes() *Routes {
	return &Routes{c: c}
}

// Routes manages the agent's routing table.
type Routes struct {
	c *Client
}

// List returns every route sorted by service, and the table version.
func (r *Routes) List(ctx context.Context) ([]routing.Route, uint64, error) {
	stream, err := r.c.routing.Stream(ctx, "List")
	if err != nil {
		return nil, 0, err
	}
	defer stream.Close()

	var routes []routing.Route
	for {
		chunk, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		var route routing.Route
		if err := chunk.Decode(&route); err != nil {
			return nil, 0, fmt.Errorf("failed to decode route: %w", err)
		}
		routes = append(routes, route)
	}
	var version uint64
	if err := stream.Result(&version); err != nil {
		return nil, 0, err
	}
	return routes, version, nil
}

// Set adds or replaces the route of service.
func (r *Routes) Set(ctx context.Context, service, address string) error {
	return r.c.routing.Call(ctx, "Set", nil, service, address)
}

// Delete removes the route of service and reports whether it existed.
func (r *Routes) Delete(ctx context.Context, service string) (bool, error) {
	return rpc.CallFor[bool](ctx, r.c.routing, "Delete", service)
}
