package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/portmux/portmux/agent/channel"
	"github.com/portmux/portmux/agent/config"
	"github.com/portmux/portmux/agent/mux"
	"github.com/portmux/portmux/agent/proxy/dubbo"
	"github.com/portmux/portmux/agent/proxy/mysql"
	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/agent/rpc"
	"github.com/portmux/portmux/agent/stub"
	"github.com/portmux/portmux/api"
	"github.com/portmux/portmux/lib"
	"github.com/portmux/portmux/lib/routine"
	"github.com/portmux/portmux/lib/telemetry"
	"github.com/portmux/portmux/logging"
)

// Descriptor orders. MySQL never matches and only binds idle connections.
const (
	orderRPC   = 10
	orderDubbo = 20
	orderMQTT  = 30
	orderRTSP  = 40
	orderMySQL = 100
)

const (
	acceptBackoffBase = 5 * time.Millisecond
	acceptBackoffMax  = time.Second

	// drainTimeout bounds how long shutdown waits for connections to exit.
	drainTimeout = 5 * time.Second
)

// Agent serves every registered protocol on a single listening port.
type Agent struct {
	// config is the runtime configuration. Reloads replace it.
	config     *config.RuntimeConfig
	configLock sync.RWMutex

	logger  hclog.InterceptLogger
	metrics *telemetry.DefaultMetrics

	routes    *routing.Table
	overrides *routeOverrides

	registry  *mux.Registry
	rpcServer *rpc.Server

	connLimiter   *connlimit.Limiter
	acceptLimiter *rate.Limiter

	listenerLock sync.Mutex
	listener     net.Listener

	channelsLock sync.Mutex
	channels     map[*channel.Channel]struct{}
	draining     bool

	routines *routine.Manager

	shutdownLock sync.Mutex
	shutdown     bool
	shutdownCh   chan struct{}
}

// New creates an agent from its dependencies. Nothing listens until Start.
func New(bd BaseDeps) (*Agent, error) {
	if bd.RuntimeConfig == nil {
		return nil, errors.New("agent: missing runtime configuration")
	}
	if bd.Logger == nil {
		bd.Logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{Output: io.Discard})
	}
	cfg := bd.RuntimeConfig

	a := &Agent{
		config:        cfg,
		logger:        bd.Logger,
		metrics:       bd.Metrics,
		channels:      make(map[*channel.Channel]struct{}),
		connLimiter:   connlimit.NewLimiter(connlimit.Config{MaxConnsPerClientIP: cfg.LimitsMaxConnsPerClientIP}),
		acceptLimiter: rate.NewLimiter(cfg.LimitsAcceptRate, cfg.LimitsAcceptBurst),
		routines:      routine.NewManager(bd.Logger.Named(logging.Agent)),
		shutdownCh:    make(chan struct{}),
	}

	overrides, err := loadRouteOverrides(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.overrides = overrides
	a.routes, err = routing.NewTable(overrides.apply(cfg.Routes))
	if err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}

	a.rpcServer = rpc.NewServer(rpc.ServerConfig{
		Logger:             a.logger.Named(logging.RPC),
		MaxFrameLength:     cfg.RPCMaxFrameSize,
		MaxConcurrentCalls: int64(cfg.RPCMaxConcurrentCalls),
		DefaultTimeout:     cfg.RPCDefaultTimeout,
		ChunkAckWindow:     cfg.RPCChunkAckWindow,
	})
	if err := a.registerEndpoint(api.StatusService, &Status{agent: a}); err != nil {
		return nil, err
	}
	if err := a.registerEndpoint(api.RoutingService, &Routing{agent: a}); err != nil {
		return nil, err
	}

	if a.registry, err = a.buildRegistry(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) registerEndpoint(name string, handler interface{}) error {
	if err := a.rpcServer.AddServiceInstance(name, api.ServiceVersion, handler); err != nil {
		return fmt.Errorf("failed to register %s endpoint: %w", name, err)
	}
	return nil
}

// buildRegistry registers a descriptor for every enabled protocol.
func (a *Agent) buildRegistry(cfg *config.RuntimeConfig) (*mux.Registry, error) {
	backend := channel.Options{
		Logger:        a.logger.Named(logging.Channel),
		HighWatermark: cfg.LimitsWriteHighWatermark,
		LowWatermark:  cfg.LimitsWriteLowWatermark,
	}
	descriptors := []mux.Descriptor{
		a.rpcServer.Descriptor(orderRPC),
		stub.MQTTDescriptor(orderMQTT, a.logger.Named(logging.Stub)),
		stub.RTSPDescriptor(orderRTSP, a.logger.Named(logging.Stub)),
	}
	if cfg.DubboEnabled {
		p := dubbo.New(dubbo.Config{
			Logger:            a.logger.Named(logging.Dubbo),
			Routes:            a.routes,
			DefaultBackend:    cfg.DubboDefaultBackend,
			RoutingAttachment: cfg.DubboRoutingAttachment,
			MaxPayload:        uint32(cfg.DubboMaxPayload),
			ConnectTimeout:    cfg.DubboConnectTimeout,
			Backend:           backend,
		})
		descriptors = append(descriptors, p.Descriptor(orderDubbo))
	}

	var fallback *mux.Descriptor
	if cfg.MySQLEnabled {
		p := mysql.New(mysql.Config{
			Logger:         a.logger.Named(logging.MySQL),
			Routes:         a.routes,
			Backend:        cfg.MySQLBackend,
			MaxPacketSize:  cfg.MySQLMaxPacketSize,
			ConnectTimeout: cfg.MySQLConnectTimeout,
			BackendOptions: backend,
		})
		d := p.Descriptor(orderMySQL)
		fallback = &d
		descriptors = append(descriptors, d)
	}

	r := mux.NewRegistry()
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	if fallback != nil {
		if err := r.SetIdleFallback(fallback.Name, cfg.LimitsServerFirstTimeout); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Start listens on the configured address and starts serving.
func (a *Agent) Start() error {
	a.configLock.RLock()
	cfg := a.config
	a.configLock.RUnlock()

	l, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}
	a.listenerLock.Lock()
	a.listener = l
	a.listenerLock.Unlock()

	// routines stop when the agent shuts down
	ctx := &lib.StopChannelContext{StopCh: a.shutdownCh}
	a.routines.Start(ctx, "listener", a.serve(l))

	if addr := cfg.Telemetry.MetricsAddr; addr != "" && a.metrics != nil {
		ml, err := net.Listen("tcp", addr)
		if err != nil {
			l.Close()
			return fmt.Errorf("failed to listen on metrics_addr %s: %w", addr, err)
		}
		logger := a.logger.Named(logging.Telemetry)
		a.routines.Start(ctx, "metrics", func(ctx context.Context) error {
			return a.metrics.ServeListener(ctx, ml, logger)
		})
	}

	names := make([]string, 0)
	for _, d := range a.registry.Descriptors() {
		names = append(names, d.Name)
	}
	a.logger.Info("agent started", "addr", l.Addr().String(), "protocols", names)
	return nil
}

// Addr is the address the agent listens on, or nil before Start.
func (a *Agent) Addr() net.Addr {
	a.listenerLock.Lock()
	defer a.listenerLock.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// serve accepts connections until ctx is done. Temporary accept errors are
// retried with backoff.
func (a *Agent) serve(l net.Listener) routine.Routine {
	return func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			l.Close()
		}()

		attempt := 0
		for {
			conn, err := l.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				delay := lib.Backoff(acceptBackoffBase, acceptBackoffMax, attempt)
				attempt++
				a.logger.Error("failed to accept connection", "error", err, "retry_in", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			attempt = 0
			a.handleConn(conn)
		}
	}
}

func rejected(reason string) {
	metrics.IncrCounterWithLabels([]string{"agent", "conn", "rejected"}, 1,
		[]metrics.Label{{Name: "reason", Value: reason}})
}

// handleConn applies the accept limits and starts sniffing conn.
func (a *Agent) handleConn(conn net.Conn) {
	if !a.acceptLimiter.Allow() {
		rejected("accept_rate")
		a.logger.Warn("rejecting connection, limits.accept_rate exceeded", "conn", conn.RemoteAddr())
		conn.Close()
		return
	}
	free, err := a.connLimiter.Accept(conn)
	if err != nil {
		rejected("max_conns_per_client_ip")
		a.logger.Warn("rejecting connection, limits.max_conns_per_client_ip exceeded",
			"conn", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	a.configLock.RLock()
	cfg := a.config
	a.configLock.RUnlock()

	ch := channel.New(conn, channel.Options{
		Logger:        a.logger.Named(logging.Channel),
		Kind:          "frontend",
		HighWatermark: cfg.LimitsWriteHighWatermark,
		LowWatermark:  cfg.LimitsWriteLowWatermark,
	})
	ch.SetDecoder(a.registry.NewSniffer(ch, mux.SnifferConfig{
		MaxSniffBytes: cfg.LimitsMaxSniffBytes,
		Timeout:       cfg.LimitsSniffTimeout,
		Logger:        a.logger.Named(logging.Mux),
	}))
	if !a.track(ch) {
		free()
		conn.Close()
		return
	}
	ch.AddCloseListener(func(ch *channel.Channel) {
		free()
		a.untrack(ch)
	})
	metrics.IncrCounter([]string{"agent", "conn", "accepted"}, 1)
	ch.Start()
}

func (a *Agent) track(ch *channel.Channel) bool {
	a.channelsLock.Lock()
	defer a.channelsLock.Unlock()
	if a.draining {
		return false
	}
	a.channels[ch] = struct{}{}
	metrics.SetGauge([]string{"agent", "channels"}, float32(len(a.channels)))
	return true
}

func (a *Agent) untrack(ch *channel.Channel) {
	a.channelsLock.Lock()
	defer a.channelsLock.Unlock()
	delete(a.channels, ch)
	metrics.SetGauge([]string{"agent", "channels"}, float32(len(a.channels)))
}

// NumChannels is the number of open frontend connections.
func (a *Agent) NumChannels() int {
	a.channelsLock.Lock()
	defer a.channelsLock.Unlock()
	return len(a.channels)
}

// Protocols names the registered protocols in sniffing order.
func (a *Agent) Protocols() []string {
	var names []string
	for _, d := range a.registry.Descriptors() {
		names = append(names, d.Name)
	}
	return names
}

// ShutdownAgent stops accepting, closes every connection and stops the
// background routines. It is safe to call more than once.
func (a *Agent) ShutdownAgent() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}
	a.logger.Info("requesting shutdown")

	var result error
	close(a.shutdownCh)
	if err := a.routines.StopAll(); err != nil {
		result = multierror.Append(result, err)
	}

	a.rpcServer.Shutdown()

	a.channelsLock.Lock()
	a.draining = true
	open := make([]*channel.Channel, 0, len(a.channels))
	for ch := range a.channels {
		open = append(open, ch)
	}
	a.channelsLock.Unlock()

	for _, ch := range open {
		ch.Close()
	}
	timeout := time.NewTimer(drainTimeout)
	defer timeout.Stop()
WAIT:
	for i, ch := range open {
		select {
		case <-ch.Done():
		case <-timeout.C:
			result = multierror.Append(result,
				fmt.Errorf("timed out waiting for %d connections to close", len(open)-i))
			break WAIT
		}
	}

	a.shutdown = true
	a.logger.Info("shutdown complete")
	return result
}

// ShutdownCh is closed once shutdown has started.
func (a *Agent) ShutdownCh() <-chan struct{} {
	return a.shutdownCh
}

// ReloadConfig applies the routes and the log level of newCfg. Any other
// change is reported and ignored until restart.
func (a *Agent) ReloadConfig(newCfg *config.RuntimeConfig) error {
	level := logging.LevelFromString(newCfg.Logging.LogLevel)
	if level == hclog.NoLevel {
		return fmt.Errorf("invalid log level %q", newCfg.Logging.LogLevel)
	}

	a.configLock.Lock()
	defer a.configLock.Unlock()

	if err := a.routes.Replace(a.overrides.apply(newCfg.Routes)); err != nil {
		return fmt.Errorf("failed reloading routes: %w", err)
	}
	a.logger.SetLevel(level)

	if restartRequired(a.config, newCfg) {
		a.logger.Warn("configuration changes other than routes and log_level require a restart")
	}
	next := *a.config
	next.Routes = newCfg.Routes
	next.Logging.LogLevel = newCfg.Logging.LogLevel
	next.ConfigFiles = newCfg.ConfigFiles
	a.config = &next

	a.logger.Info("configuration reloaded", "routes", len(newCfg.Routes), "log_level", newCfg.Logging.LogLevel)
	return nil
}

// restartRequired reports whether old and next differ in anything a reload
// does not apply.
func restartRequired(old, next *config.RuntimeConfig) bool {
	o, n := *old, *next
	o.Routes, n.Routes = nil, nil
	o.Logging.LogLevel, n.Logging.LogLevel = "", ""
	o.ConfigFiles, n.ConfigFiles = nil, nil
	return !reflect.DeepEqual(o, n)
}

// SetRoute changes a route and persists the change in the data directory.
func (a *Agent) SetRoute(service, addr string) error {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	if err := a.routes.Set(service, addr); err != nil {
		return err
	}
	a.overrides.set(service, addr)
	a.logger.Named(logging.Routing).Info("route set", "service", service, "address", addr)
	return a.overrides.persist(a.config.DataDir)
}

// DeleteRoute removes a route and persists the change. It reports whether
// the route existed.
func (a *Agent) DeleteRoute(service string) (bool, error) {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	existed := a.routes.Delete(service)
	a.overrides.delete(service)
	if existed {
		a.logger.Named(logging.Routing).Info("route deleted", "service", service)
	}
	return existed, a.overrides.persist(a.config.DataDir)
}
