package config

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/portmux/portmux/lib/telemetry"
	"github.com/portmux/portmux/logging"
)

// RuntimeConfig is the configuration the agent actually runs with. It is
// built from the merged sources and has every default applied.
type RuntimeConfig struct {
	BindAddr string
	Port     int
	DataDir  string

	Logging logging.Config

	LimitsMaxConnsPerClientIP int
	LimitsAcceptRate          rate.Limit
	LimitsAcceptBurst         int
	LimitsMaxSniffBytes       int
	LimitsSniffTimeout        time.Duration
	LimitsServerFirstTimeout  time.Duration
	LimitsWriteHighWatermark  int
	LimitsWriteLowWatermark   int

	RPCMaxFrameSize       int
	RPCSpinIterations     int
	RPCDefaultTimeout     time.Duration
	RPCMaxConcurrentCalls int
	RPCChunkAckWindow     int
	RPCPoolMaxIdle        time.Duration

	DubboEnabled           bool
	DubboDefaultBackend    string
	DubboRoutingAttachment string
	DubboMaxPayload        int
	DubboConnectTimeout    time.Duration

	MySQLEnabled        bool
	MySQLBackend        string
	MySQLMaxPacketSize  int
	MySQLConnectTimeout time.Duration

	// Routes maps a service name to a backend host:port.
	Routes map[string]string

	Telemetry telemetry.Config

	// ConfigFiles are the files and directories the configuration was
	// loaded from, watched for changes.
	ConfigFiles []string
}

// ListenAddr is the address of the shared port.
func (c *RuntimeConfig) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}
