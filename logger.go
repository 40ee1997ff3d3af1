package gotransfer

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging interface used throughout the package.
// Any printf-style leveled logger can be adapted to it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	log zerolog.Logger
}

var _ Logger = (*ZerologLogger)(nil)

// NewZerologLogger wraps an existing zerolog logger.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: l}
}

// NewConsoleLogger returns a human-readable zerolog logger writing to w at the given level.
func NewConsoleLogger(w io.Writer, level zerolog.Level) *ZerologLogger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return &ZerologLogger{
		log: zerolog.New(out).Level(level).With().Timestamp().Str("component", "gotransfer").Logger(),
	}
}

func (l *ZerologLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}

func defaultLogger() Logger {
	return NewConsoleLogger(os.Stderr, zerolog.InfoLevel)
}
