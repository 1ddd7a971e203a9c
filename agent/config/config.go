package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"

	"github.com/portmux/portmux/lib"
)

// Source parses configuration from somewhere.
type Source interface {
	// Source is the name of the source, used in error messages.
	Source() string
	Parse() (Config, error)
}

// FileSource is configuration read from a file or given as a literal. Format
// is "hcl" or "json".
type FileSource struct {
	Name   string
	Format string
	Data   string
}

func (f FileSource) Source() string { return f.Name }

func (f FileSource) Parse() (Config, error) {
	if f.Name == "" || f.Data == "" {
		return Config{}, nil
	}
	c, err := Parse(f.Data, f.Format)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse %v: %w", f.Name, err)
	}
	return c, nil
}

// LiteralSource is configuration that is already decoded, e.g. from flags.
type LiteralSource struct {
	Name   string
	Config Config
}

func (l LiteralSource) Source() string         { return l.Name }
func (l LiteralSource) Parse() (Config, error) { return l.Config, nil }

// Parse decodes HCL or JSON text. Keys that do not belong to the schema are
// reported as errors.
func Parse(data string, format string) (c Config, err error) {
	var raw map[string]interface{}
	switch format {
	case "json", "hcl":
		// the HCL parser reads JSON too
		err = hcl.Decode(&raw, data)
	default:
		err = fmt.Errorf("invalid format: %s", format)
	}
	if err != nil {
		return Config{}, err
	}

	// HCL turns every block into a slice of maps
	m, err := lib.PatchSliceOfMaps(raw, nil, nil)
	if err != nil {
		return Config{}, err
	}

	var md mapstructure.Metadata
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Metadata:         &md,
		Result:           &c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := d.Decode(m); err != nil {
		return Config{}, err
	}

	var unused error
	for _, k := range md.Unused {
		unused = multierror.Append(unused, fmt.Errorf("invalid config key %s", k))
	}
	if unused != nil {
		return Config{}, unused
	}
	return c, nil
}

// Config is the file and flag representation of the configuration. Every
// field is optional so that sources can be merged; the builder applies
// defaults and validates the result.
type Config struct {
	BindAddr *string `mapstructure:"bind_addr"`
	Port     *int    `mapstructure:"port"`
	DataDir  *string `mapstructure:"data_dir"`

	LogLevel          *string        `mapstructure:"log_level"`
	LogJSON           *bool          `mapstructure:"log_json"`
	LogFile           *string        `mapstructure:"log_file"`
	LogRotateBytes    *int           `mapstructure:"log_rotate_bytes"`
	LogRotateDuration *time.Duration `mapstructure:"log_rotate_duration"`
	LogRotateMaxFiles *int           `mapstructure:"log_rotate_max_files"`

	Limits    Limits            `mapstructure:"limits"`
	RPC       RPC               `mapstructure:"rpc"`
	Dubbo     Dubbo             `mapstructure:"dubbo"`
	MySQL     MySQL             `mapstructure:"mysql"`
	Routes    map[string]string `mapstructure:"routes"`
	Telemetry Telemetry         `mapstructure:"telemetry"`
}

type Limits struct {
	MaxConnsPerClientIP *int           `mapstructure:"max_conns_per_client_ip"`
	AcceptRate          *float64       `mapstructure:"accept_rate"`
	AcceptBurst         *int           `mapstructure:"accept_burst"`
	MaxSniffBytes       *int           `mapstructure:"max_sniff_bytes"`
	SniffTimeout        *time.Duration `mapstructure:"sniff_timeout"`
	ServerFirstTimeout  *time.Duration `mapstructure:"server_first_timeout"`
	WriteHighWatermark  *int           `mapstructure:"write_high_watermark"`
	WriteLowWatermark   *int           `mapstructure:"write_low_watermark"`
}

type RPC struct {
	MaxFrameSize       *int           `mapstructure:"max_frame_size"`
	SpinIterations     *int           `mapstructure:"spin_iterations"`
	DefaultTimeout     *time.Duration `mapstructure:"default_timeout"`
	MaxConcurrentCalls *int           `mapstructure:"max_concurrent_calls"`
	ChunkAckWindow     *int           `mapstructure:"chunk_ack_window"`
	PoolMaxIdle        *time.Duration `mapstructure:"pool_max_idle"`
}

type Dubbo struct {
	Enabled           *bool          `mapstructure:"enabled"`
	DefaultBackend    *string        `mapstructure:"default_backend"`
	RoutingAttachment *string        `mapstructure:"routing_attachment"`
	MaxPayload        *int           `mapstructure:"max_payload"`
	ConnectTimeout    *time.Duration `mapstructure:"connect_timeout"`
}

type MySQL struct {
	Enabled        *bool          `mapstructure:"enabled"`
	Backend        *string        `mapstructure:"backend"`
	MaxPacketSize  *int           `mapstructure:"max_packet_size"`
	ConnectTimeout *time.Duration `mapstructure:"connect_timeout"`
}

type Telemetry struct {
	Disable                 *bool          `mapstructure:"disable"`
	DisableHostname         *bool          `mapstructure:"disable_hostname"`
	MetricsPrefix           *string        `mapstructure:"metrics_prefix"`
	PrometheusRetentionTime *time.Duration `mapstructure:"prometheus_retention_time"`
	MetricsAddr             *string        `mapstructure:"metrics_addr"`
	StatsdAddr              *string        `mapstructure:"statsd_address"`
	StatsiteAddr            *string        `mapstructure:"statsite_address"`
}

// formatFromFileExtension returns the format of a config file, or "" for
// files that are not configuration.
func formatFromFileExtension(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "json"
	case strings.HasSuffix(name, ".hcl"):
		return "hcl"
	default:
		return ""
	}
}
