// Package wlog adapts go.uber.org/zap, writing through a lumberjack
// rotation hook, into a github.com/pion/logging LeveledLogger/LoggerFactory
// pair. The rest of this module only depends on pion/logging; weaved is the
// one place that picks a concrete backend, the way cppla-moto/utils/log.go
// wires zap+lumberjack for its own process.
package wlog

import (
	"fmt"
	"os"
	"strings"

	"github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the rotating zap core.
type Config struct {
	// Path is the log file path. Empty writes to stdout instead of a
	// rotated file.
	Path string

	// Level is one of trace, debug, info, warn, error (case-insensitive).
	// Empty defaults to info. trace maps to zap's debug level, since zap
	// has no separate trace level.
	Level string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var levelMap = map[string]zapcore.Level{
	"trace": zapcore.DebugLevel,
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// NewFactory builds a logging.LoggerFactory backed by zap.
func NewFactory(cfg Config) (logging.LoggerFactory, func() error, error) {
	level, ok := levelMap[strings.ToLower(cfg.Level)]
	if cfg.Level == "" {
		level = zapcore.InfoLevel
	} else if !ok {
		return nil, nil, fmt.Errorf("wlog: unknown level %q", cfg.Level)
	}

	enabler := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool { return lvl >= level })

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	var sink zapcore.WriteSyncer
	var closer func() error
	if cfg.Path == "" {
		sink = zapcore.Lock(zapcore.AddSync(os.Stdout))
		closer = func() error { return nil }
	} else {
		hook := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			Compress:   true,
		}
		sink = zapcore.AddSync(hook)
		closer = hook.Close
	}

	core := zapcore.NewCore(encoder, sink, enabler)
	base := zap.New(core, zap.AddCaller())

	return &factory{base: base}, closer, nil
}

func orDefault(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

type factory struct {
	base *zap.Logger
}

func (f *factory) NewLogger(scope string) logging.LeveledLogger {
	return &leveled{s: f.base.Named(scope).Sugar()}
}

type leveled struct {
	s *zap.SugaredLogger
}

func (l *leveled) Trace(msg string)                          { l.s.Debug(msg) }
func (l *leveled) Tracef(format string, args ...interface{})  { l.s.Debugf(format, args...) }
func (l *leveled) Debug(msg string)                           { l.s.Debug(msg) }
func (l *leveled) Debugf(format string, args ...interface{})  { l.s.Debugf(format, args...) }
func (l *leveled) Info(msg string)                            { l.s.Info(msg) }
func (l *leveled) Infof(format string, args ...interface{})   { l.s.Infof(format, args...) }
func (l *leveled) Warn(msg string)                            { l.s.Warn(msg) }
func (l *leveled) Warnf(format string, args ...interface{})   { l.s.Warnf(format, args...) }
func (l *leveled) Error(msg string)                           { l.s.Error(msg) }
func (l *leveled) Errorf(format string, args ...interface{})  { l.s.Errorf(format, args...) }
