// Package logging is a thin wrapper of the zap logging library.
//
// Every package obtains its logger once:
//
//	var logger = logging.New("txq")
//
// The level of a package is taken from ALETH_LOG_<PKG> (upper case), falling
// back to ALETH_LOG. Only the first letter matters: D(ebug), I(nfo),
// W(arn), E(rror). The default is info.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var root = func() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		zap.DebugLevel,
	)
	return zap.New(core)
}()

// New creates a named logger for package pkg.
func New(pkg string) *zap.Logger {
	return root.Named(pkg).
		WithOptions(zap.IncreaseLevel(zap.NewAtomicLevelAt(ParseLevel(envLevel(pkg)))))
}

// Or returns l, or fallback if l is nil.
func Or(l, fallback *zap.Logger) *zap.Logger {
	if l == nil {
		return fallback
	}
	return l
}

func envLevel(pkg string) string {
	v, ok := os.LookupEnv("ALETH_LOG_" + strings.ToUpper(pkg))
	if !ok {
		v = os.Getenv("ALETH_LOG")
	}
	return v
}

// ParseLevel converts a level letter to a zap level.
// Unknown or empty input yields info.
func ParseLevel(input string) zapcore.Level {
	if input == "" {
		return zapcore.InfoLevel
	}
	switch input[0] {
	case 'V', 'v', 'D', 'd':
		return zapcore.DebugLevel
	case 'W', 'w':
		return zapcore.WarnLevel
	case 'E', 'e':
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}
