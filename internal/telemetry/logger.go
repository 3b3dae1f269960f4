package telemetry

import (
	"io"
	"log"

	"go.uber.org/zap"
)

// Logger is the minimal logging surface every component depends on.
// *log.Logger satisfies it directly.
type Logger interface {
	Printf(format string, args ...any)
}

// Discard returns a Logger that drops everything.
func Discard() Logger { return log.New(io.Discard, "", 0) }

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap adapts a zap logger to Logger. Lines are emitted at info level.
func NewZap(l *zap.Logger) Logger {
	return zapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z zapLogger) Printf(format string, args ...any) { z.s.Infof(format, args...) }

// NewZapLogger builds the CLI's zap logger: console output in development
// mode, JSON in production mode.
func NewZapLogger(jsonOutput, debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if jsonOutput {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
