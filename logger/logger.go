// Package logger provides the zerolog logger shared by every walletchat component.
package logger

import (
	"io"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

// New returns a JSON logger on stderr tagged with the service name, leaving
// stdout to command output. Call sites use .Stack() on error events to include stacks.
func New(service string) zerolog.Logger {
	return NewWithWriter(os.Stderr, service)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, service string) zerolog.Logger {
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
		if _, ok := err.(stackTracer); !ok {
			err = pkgerrors.WithStack(err)
		}
		return zpkgerrors.MarshalStack(err)
	}

	return zerolog.New(w).With().
		Str("service", service).
		Timestamp().
		Logger()
}

// Nop returns a disabled logger.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component derives a child logger for one subsystem.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

// ParseLevel maps a config string to a zerolog level; unknown values fall back to info.
func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}
