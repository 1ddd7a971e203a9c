package logging

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config is used to set up logging.
type Config struct {
	// LogLevel is the minimum level to be logged.
	LogLevel string

	// LogJSON controls outputing logs in a JSON format.
	LogJSON bool

	// Name is the name the returned logger will use to prefix log lines.
	Name string

	// Color is one of auto, on or off. It only applies to text output.
	Color string

	// LogFilePath is the path to write the logs to, in addition to out.
	LogFilePath string

	// LogRotateDuration is how long a log file is written before rotating.
	LogRotateDuration time.Duration

	// LogRotateBytes is the size at which a log file rotates. Zero disables
	// size based rotation.
	LogRotateBytes int

	// LogRotateMaxFiles is the number of archived files to keep. Zero keeps
	// them all and -1 keeps none.
	LogRotateMaxFiles int
}

const defaultRotateDuration = 24 * time.Hour

// Setup builds the root logger writing to out, and to a log file when
// LogFilePath is set.
func Setup(config Config, out io.Writer) (hclog.InterceptLogger, error) {
	if !ValidateLogLevel(config.LogLevel) {
		return nil, fmt.Errorf("Invalid log level: %s. Valid log levels are: %v",
			config.LogLevel, allowedLogLevels)
	}
	color, err := NewColorOption(config.Color)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}

	writers := []io.Writer{out}
	if config.LogFilePath != "" {
		dir, fileName := filepath.Split(config.LogFilePath)
		if fileName == "" {
			fileName = "portmux.log"
		}
		if config.LogRotateDuration == 0 {
			config.LogRotateDuration = defaultRotateDuration
		}
		logFile := &LogFile{
			fileName: fileName,
			logPath:  dir,
			duration: config.LogRotateDuration,
			MaxBytes: config.LogRotateBytes,
			MaxFiles: config.LogRotateMaxFiles,
		}
		if err := logFile.openNew(); err != nil {
			return nil, fmt.Errorf("failed to set up file logging: %w", err)
		}
		writers = append(writers, logFile)
	}

	if config.LogJSON {
		color = hclog.ColorOff
	}
	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Level:      LevelFromString(config.LogLevel),
		Name:       config.Name,
		Output:     io.MultiWriter(writers...),
		JSONFormat: config.LogJSON,
		Color:      color,
	})
	return logger, nil
}
