package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Config holds the logger configuration.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// Output is one of stdout, stderr or file.
	Output string `mapstructure:"output"`
	// File is the log file path used when Output is "file".
	File string `mapstructure:"file"`
}

// NewLogger initializes a new slog logger based on the provided configuration.
// A non-nil output overrides cfg.Output.
func NewLogger(cfg Config, output io.Writer) *slog.Logger {
	if output == nil {
		output = openOutput(cfg)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, falling back to info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// WithComponent returns a child logger tagged with the component name, the
// way every long-lived service in this module identifies its log lines.
func WithComponent(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

func openOutput(cfg Config) io.Writer {
	switch cfg.Output {
	case "stdout":
		return os.Stdout
	case "file":
		path := cfg.File
		if path == "" {
			path = "ci-dispatch.log"
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v\n", path, err)
			return os.Stderr
		}
		return file
	default:
		return os.Stderr
	}
}
