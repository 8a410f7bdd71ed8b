// Package log provides structured logging for hive-exec using zerolog.
//
// A single global Logger is configured once by Init; components derive child
// loggers carrying their name, the worker id or the job id. Field names are
// shared so that one job can be followed across worker and coordinator logs.
package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field names used across packages
const (
	FieldComponent = "component"
	FieldWorkerID  = "worker_id"
	FieldJobID     = "job_id"
)

// Logger is the global logger; console output on stderr until Init
var Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level      Level // empty means info
	JSONOutput bool
	Output     io.Writer // defaults to stderr
}

// Init replaces the global logger and sets the global level
func Init(cfg Config) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(string(cfg.Level))
		if err != nil || parsed == zerolog.NoLevel {
			return fmt.Errorf("unknown log level %q", cfg.Level)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
	return nil
}

func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str(FieldComponent, component).Logger()
}

func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str(FieldWorkerID, workerID).Logger()
}

func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str(FieldJobID, jobID).Logger()
}
