package agent

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"

	"github.com/portmux/portmux/agent/config"
	"github.com/portmux/portmux/lib/telemetry"
	"github.com/portmux/portmux/logging"
)

// BaseDeps are the dependencies of an Agent that are built before it.
type BaseDeps struct {
	Logger        hclog.InterceptLogger
	RuntimeConfig *config.RuntimeConfig

	// Metrics is nil when telemetry is disabled.
	Metrics *telemetry.DefaultMetrics
}

// NewBaseDeps sets up logging and telemetry for a loaded configuration.
// Config warnings are logged once the logger exists.
func NewBaseDeps(result config.LoadResult, logOut io.Writer) (BaseDeps, error) {
	d := BaseDeps{RuntimeConfig: result.RuntimeConfig}

	var err error
	d.Logger, err = logging.Setup(result.RuntimeConfig.Logging, logOut)
	if err != nil {
		return d, err
	}
	for _, w := range result.Warnings {
		d.Logger.Warn(w)
	}

	d.Metrics, err = telemetry.Init(result.RuntimeConfig.Telemetry)
	if err != nil {
		return d, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return d, nil
}
