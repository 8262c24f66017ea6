// Package logger configures the logrus loggers used by the commands.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogFormat selects how log entries are rendered.
type LogFormat string

const (
	// TextFormat renders key=value lines with full timestamps.
	TextFormat LogFormat = "text"
	// JSONFormat renders one JSON object per entry.
	JSONFormat LogFormat = "json"
)

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Output io.Writer
	Format LogFormat
	Level  logrus.Level
}

// LoggerOption sets one field of LoggerOptions.
type LoggerOption func(opts *LoggerOptions)

// OutputLoggerOption sets where entries are written.
func OutputLoggerOption(out io.Writer) LoggerOption {
	return func(opts *LoggerOptions) {
		opts.Output = out
	}
}

// FormatLoggerOption sets the entry format.
func FormatLoggerOption(format LogFormat) LoggerOption {
	return func(opts *LoggerOptions) {
		opts.Format = format
	}
}

// LevelLoggerOption sets the minimum level that is written.
func LevelLoggerOption(level logrus.Level) LoggerOption {
	return func(opts *LoggerOptions) {
		opts.Level = level
	}
}

// VerboseLoggerOption selects debug level when verbose is set and info
// level otherwise.
func VerboseLoggerOption(verbose bool) LoggerOption {
	if verbose {
		return LevelLoggerOption(logrus.DebugLevel)
	}
	return LevelLoggerOption(logrus.InfoLevel)
}

// NewLogger returns a logger whose entries carry the command name. Output
// defaults to stderr, since stdout may carry tunnel data.
func NewLogger(name string, opts ...LoggerOption) *logrus.Entry {
	options := LoggerOptions{
		Output: os.Stderr,
		Level:  logrus.InfoLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}

	log := logrus.New()
	log.SetOutput(options.Output)

	switch options.Format {
	case JSONFormat:
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	log.SetLevel(options.Level)

	return log.WithField("cmd", name)
}
