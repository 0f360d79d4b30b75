// Package rdpmuxlog is the sibling logging package every other package in
// this module imports, the way avacadovnc imports
// "github.com/bigangryrobot/avacadovnc/logger" from its core files instead
// of reaching for a global logger directly. It wraps zerolog's global
// logger with the same leveled, call-site-free shape as the original
// RDPMux's easylogging++ macros (LOG(INFO), LOG(WARNING), VLOG(n)).
package rdpmuxlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}).
	With().Timestamp().Logger()

// SetVerbosity maps the CLI's repeated -v flag to a zerolog level, mirroring
// the original's VLOG(n) granularity: 0 is info-and-above, 1 enables debug,
// 2+ enables trace.
func SetVerbosity(v int) {
	switch {
	case v >= 2:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case v == 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// SetOutput redirects the package logger; tests use this to capture output.
func SetOutput(w io.Writer) {
	log = zerolog.New(w).With().Timestamp().Logger()
}

func Infof(format string, args ...interface{})  { log.Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Error().Msgf(format, args...) }
func Debugf(format string, args ...interface{}) { log.Debug().Msgf(format, args...) }

// Fatalf logs at fatal level and exits, mirroring easylogging++'s LOG(FATAL).
func Fatalf(format string, args ...interface{}) { log.Fatal().Msgf(format, args...) }

// V reports whether verbose logging at the given trace depth is enabled,
// for call sites that want to skip expensive formatting (VLOG(n) guards in
// the original source).
func V(level int) bool {
	if level >= 2 {
		return zerolog.GlobalLevel() <= zerolog.TraceLevel
	}
	return zerolog.GlobalLevel() <= zerolog.DebugLevel
}
