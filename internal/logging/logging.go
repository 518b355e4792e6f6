// Package logging builds the zap logger used by framectl and adapts it to
// the framing.Logger interface.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Zereker/framing"
)

const (
	EnvLogLevel         = "FRAMECTL_LOG_LEVEL"
	EnvFallbackLogLevel = "LOG_LEVEL"
)

// ParseLevel parses a level name. An empty name is InfoLevel.
func ParseLevel(raw string) (zapcore.Level, error) {
	level := zapcore.InfoLevel
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return level, nil
	}
	if raw == "warning" {
		raw = "warn"
	}
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return level, errors.Wrapf(err, "parse log level %q", raw)
	}
	return level, nil
}

// LevelFromEnv returns the level named by FRAMECTL_LOG_LEVEL, falling back to
// LOG_LEVEL and then to def.
func LevelFromEnv(def string) string {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(EnvFallbackLogLevel)); v != "" {
		return v
	}
	return def
}

// New builds a console logger writing to stderr at the given level.
func New(level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)), nil
}

// Adapter exposes a zap logger through framing.Logger.
type Adapter struct {
	sugar *zap.SugaredLogger
}

var _ framing.Logger = (*Adapter)(nil)

// Adapt wraps l. Key-value pairs are passed through as zap fields.
func Adapt(l *zap.Logger) *Adapter {
	return &Adapter{sugar: l.Sugar()}
}

func (a *Adapter) Debug(msg string, args ...any) { a.sugar.Debugw(msg, args...) }

func (a *Adapter) Info(msg string, args ...any) { a.sugar.Infow(msg, args...) }

func (a *Adapter) Warn(msg string, args ...any) { a.sugar.Warnw(msg, args...) }

func (a *Adapter) Error(msg string, args ...any) { a.sugar.Errorw(msg, args...) }
