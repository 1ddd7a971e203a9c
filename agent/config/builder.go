package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-sockaddr/template"
	"golang.org/x/time/rate"

	"github.com/portmux/portmux/agent/routing"
	"github.com/portmux/portmux/lib/telemetry"
	"github.com/portmux/portmux/logging"
)

// LoadOpts are the inputs to Load.
type LoadOpts struct {
	// FlagValues are the values from command line flags. They override every
	// file.
	FlagValues Config

	// ConfigFiles is a list of files and directories to load, in order.
	// Directories are read one level deep, in lexical order.
	ConfigFiles []string

	// HCL is extra configuration applied after the files and before the
	// flags, mostly for tests.
	HCL []string

	// DefaultConfig replaces DefaultSource when set.
	DefaultConfig Source
}

// LoadResult is the result of Load.
type LoadResult struct {
	RuntimeConfig *RuntimeConfig
	Warnings      []string
}

// Load merges the default configuration, the config files and the flags,
// and builds the runtime configuration from them.
func Load(opts LoadOpts) (LoadResult, error) {
	b, err := newBuilder(opts)
	if err != nil {
		return LoadResult{}, err
	}
	cfg, err := b.build()
	if err != nil {
		return LoadResult{}, err
	}
	return LoadResult{RuntimeConfig: cfg, Warnings: b.Warnings}, nil
}

type builder struct {
	opts    LoadOpts
	sources []Source

	Warnings []string

	// err accumulates validation errors
	err error
}

func newBuilder(opts LoadOpts) (*builder, error) {
	b := &builder{opts: opts}
	for _, path := range opts.ConfigFiles {
		sources, err := b.sourcesFromPath(path)
		if err != nil {
			return nil, err
		}
		b.sources = append(b.sources, sources...)
	}
	for i, data := range opts.HCL {
		b.sources = append(b.sources, FileSource{Name: fmt.Sprintf("inline-%d", i), Format: "hcl", Data: data})
	}
	b.sources = append(b.sources, LiteralSource{Name: "flags", Config: opts.FlagValues})
	return b, nil
}

func (b *builder) warn(msg string, args ...interface{}) {
	b.Warnings = append(b.Warnings, fmt.Sprintf(msg, args...))
}

// sourcesFromPath reads a config file, or the config files of a directory.
func (b *builder) sourcesFromPath(path string) ([]Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: Open failed on %s. %w", path, err)
	}
	if !fi.IsDir() {
		format := formatFromFileExtension(path)
		if format == "" {
			return nil, fmt.Errorf("config: file %s must end in .hcl or .json", path)
		}
		src, err := newSourceFromFile(path, format)
		if err != nil {
			return nil, err
		}
		return []Source{src}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("config: ReadDir failed on %s. %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sources []Source
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := filepath.Join(path, e.Name())
		format := formatFromFileExtension(name)
		if format == "" {
			b.warn("skipping file %v, extension must be .hcl or .json", name)
			continue
		}
		src, err := newSourceFromFile(name, format)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func newSourceFromFile(path string, format string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return FileSource{Name: path, Format: format, Data: string(data)}, nil
}

func (b *builder) build() (*RuntimeConfig, error) {
	def := b.opts.DefaultConfig
	if def == nil {
		def = DefaultSource()
	}
	var cfgs []Config
	var parseErr error
	for _, src := range append([]Source{def}, b.sources...) {
		c, err := src.Parse()
		if err != nil {
			parseErr = multierror.Append(parseErr, err)
			continue
		}
		cfgs = append(cfgs, c)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	c := Merge(cfgs...)

	rt := &RuntimeConfig{
		BindAddr: b.bindAddr(c.BindAddr),
		Port:     intVal(c.Port),
		DataDir:  stringVal(c.DataDir),

		Logging: logging.Config{
			LogLevel:          stringVal(c.LogLevel),
			LogJSON:           boolVal(c.LogJSON),
			Name:              "portmux",
			LogFilePath:       stringVal(c.LogFile),
			LogRotateBytes:    intVal(c.LogRotateBytes),
			LogRotateDuration: durationVal(c.LogRotateDuration),
			LogRotateMaxFiles: intVal(c.LogRotateMaxFiles),
		},

		LimitsMaxConnsPerClientIP: intVal(c.Limits.MaxConnsPerClientIP),
		LimitsAcceptRate:          rate.Inf,
		LimitsAcceptBurst:         intVal(c.Limits.AcceptBurst),
		LimitsMaxSniffBytes:       intVal(c.Limits.MaxSniffBytes),
		LimitsSniffTimeout:        durationVal(c.Limits.SniffTimeout),
		LimitsServerFirstTimeout:  durationVal(c.Limits.ServerFirstTimeout),
		LimitsWriteHighWatermark:  intVal(c.Limits.WriteHighWatermark),
		LimitsWriteLowWatermark:   intVal(c.Limits.WriteLowWatermark),

		RPCMaxFrameSize:       intVal(c.RPC.MaxFrameSize),
		RPCSpinIterations:     intVal(c.RPC.SpinIterations),
		RPCDefaultTimeout:     durationVal(c.RPC.DefaultTimeout),
		RPCMaxConcurrentCalls: intVal(c.RPC.MaxConcurrentCalls),
		RPCChunkAckWindow:     intVal(c.RPC.ChunkAckWindow),
		RPCPoolMaxIdle:        durationVal(c.RPC.PoolMaxIdle),

		DubboEnabled:           boolVal(c.Dubbo.Enabled),
		DubboDefaultBackend:    stringVal(c.Dubbo.DefaultBackend),
		DubboRoutingAttachment: stringVal(c.Dubbo.RoutingAttachment),
		DubboMaxPayload:        intVal(c.Dubbo.MaxPayload),
		DubboConnectTimeout:    durationVal(c.Dubbo.ConnectTimeout),

		MySQLEnabled:        boolVal(c.MySQL.Enabled),
		MySQLBackend:        stringVal(c.MySQL.Backend),
		MySQLMaxPacketSize:  intVal(c.MySQL.MaxPacketSize),
		MySQLConnectTimeout: durationVal(c.MySQL.ConnectTimeout),

		Routes: make(map[string]string, len(c.Routes)),

		Telemetry: telemetry.Config{
			Disable:                 boolVal(c.Telemetry.Disable),
			DisableHostname:         boolVal(c.Telemetry.DisableHostname),
			MetricsPrefix:           stringVal(c.Telemetry.MetricsPrefix),
			PrometheusRetentionTime: durationVal(c.Telemetry.PrometheusRetentionTime),
			MetricsAddr:             stringVal(c.Telemetry.MetricsAddr),
			StatsdAddr:              stringVal(c.Telemetry.StatsdAddr),
			StatsiteAddr:            stringVal(c.Telemetry.StatsiteAddr),
		},

		ConfigFiles: b.opts.ConfigFiles,
	}
	if r := floatVal(c.Limits.AcceptRate); r > 0 {
		rt.LimitsAcceptRate = rate.Limit(r)
	}
	for svc, addr := range c.Routes {
		rt.Routes[svc] = addr
	}

	b.validate(rt, c)
	if b.err != nil {
		return nil, b.err
	}
	return rt, nil
}

// bindAddr expands a go-sockaddr template to exactly one IP address.
func (b *builder) bindAddr(v *string) string {
	s := stringVal(v)
	out, err := template.Parse(s)
	if err != nil {
		b.err = multierror.Append(b.err, fmt.Errorf("bind_addr: error parsing %q: %w", s, err))
		return ""
	}
	addrs := strings.Fields(out)
	switch len(addrs) {
	case 0:
		b.err = multierror.Append(b.err, fmt.Errorf("bind_addr: no address found in %q", s))
		return ""
	case 1:
	default:
		b.err = multierror.Append(b.err, fmt.Errorf("bind_addr: multiple addresses found in %q: %s", s, out))
		return ""
	}
	if net.ParseIP(addrs[0]) == nil {
		b.err = multierror.Append(b.err, fmt.Errorf("bind_addr: %q is not an IP address", addrs[0]))
		return ""
	}
	return addrs[0]
}

func (b *builder) check(ok bool, format string, args ...interface{}) {
	if !ok {
		b.err = multierror.Append(b.err, fmt.Errorf(format, args...))
	}
}

func (b *builder) validate(rt *RuntimeConfig, c Config) {
	b.check(rt.Port >= 0 && rt.Port <= 65535, "port: %d is not a valid port", rt.Port)
	b.check(logging.ValidateLogLevel(rt.Logging.LogLevel),
		"log_level: invalid log level %q, valid levels are %v", rt.Logging.LogLevel, logging.AllowedLogLevels())

	b.check(rt.LimitsMaxConnsPerClientIP >= 0, "limits.max_conns_per_client_ip: cannot be negative")
	b.check(floatVal(c.Limits.AcceptRate) >= 0, "limits.accept_rate: cannot be negative")
	b.check(rt.LimitsAcceptBurst > 0, "limits.accept_burst: must be positive")
	b.check(rt.LimitsMaxSniffBytes > 0, "limits.max_sniff_bytes: must be positive")
	b.check(rt.LimitsSniffTimeout > 0, "limits.sniff_timeout: must be positive")
	b.check(rt.LimitsServerFirstTimeout > 0 && rt.LimitsServerFirstTimeout < rt.LimitsSniffTimeout,
		"limits.server_first_timeout: %s must be positive and below limits.sniff_timeout %s",
		rt.LimitsServerFirstTimeout, rt.LimitsSniffTimeout)
	b.check(rt.LimitsWriteHighWatermark > 0, "limits.write_high_watermark: must be positive")
	b.check(rt.LimitsWriteLowWatermark > 0 && rt.LimitsWriteLowWatermark <= rt.LimitsWriteHighWatermark,
		"limits.write_low_watermark: %d must be positive and at most limits.write_high_watermark %d",
		rt.LimitsWriteLowWatermark, rt.LimitsWriteHighWatermark)

	b.check(rt.RPCMaxFrameSize > 0, "rpc.max_frame_size: must be positive")
	b.check(rt.RPCDefaultTimeout > 0, "rpc.default_timeout: must be positive")
	b.check(rt.RPCMaxConcurrentCalls > 0, "rpc.max_concurrent_calls: must be positive")
	b.check(rt.RPCChunkAckWindow > 0, "rpc.chunk_ack_window: must be positive")
	b.check(rt.RPCPoolMaxIdle >= 0, "rpc.pool_max_idle: cannot be negative")

	b.check(rt.DubboRoutingAttachment != "", "dubbo.routing_attachment: cannot be empty")
	b.check(rt.DubboMaxPayload > 0, "dubbo.max_payload: must be positive")
	b.check(rt.DubboConnectTimeout > 0, "dubbo.connect_timeout: must be positive")

	if rt.MySQLEnabled {
		b.check(rt.MySQLBackend != "", "mysql.backend: required when mysql is enabled")
	}
	b.check(rt.MySQLMaxPacketSize > 0, "mysql.max_packet_size: must be positive")
	b.check(rt.MySQLConnectTimeout > 0, "mysql.connect_timeout: must be positive")

	services := make([]string, 0, len(rt.Routes))
	for svc := range rt.Routes {
		services = append(services, svc)
	}
	sort.Strings(services)
	for _, svc := range services {
		if err := routing.Validate(svc, rt.Routes[svc]); err != nil {
			b.err = multierror.Append(b.err, fmt.Errorf("routes: %w", err))
		}
	}

	if rt.Telemetry.MetricsAddr != "" {
		_, _, err := net.SplitHostPort(rt.Telemetry.MetricsAddr)
		b.check(err == nil, "telemetry.metrics_addr: %v", err)
	}
	if rt.MySQLEnabled && rt.Routes[rt.MySQLBackend] == "" {
		b.warn("mysql.backend %q has no route yet; clients will be refused until one is set", rt.MySQLBackend)
	}
}

func stringVal(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func intVal(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func boolVal(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

func floatVal(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func durationVal(v *time.Duration) time.Duration {
	if v == nil {
		return 0
	}
	return *v
}
