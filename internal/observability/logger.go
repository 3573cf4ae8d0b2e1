// Package observability owns the process-wide zap logger. Commands set it up
// once from the logger section of the configuration; packages below cmd take
// a *zap.Logger explicitly and never reach for the global.
package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/xkilldash9x/navchain/internal/config"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var global struct {
	mu     sync.Mutex
	logger *zap.Logger
}

// palette maps color names in the configuration to ANSI foreground codes.
var palette = map[string]int{
	"black":   30,
	"red":     31,
	"green":   32,
	"yellow":  33,
	"blue":    34,
	"magenta": 35,
	"cyan":    36,
	"white":   37,
}

const ansiReset = "\x1b[0m"

// ansi returns the escape sequence for a palette color, or "" for an
// unknown or empty name.
func ansi(name string) string {
	code, ok := palette[strings.ToLower(name)]
	if !ok {
		return ""
	}
	return fmt.Sprintf("\x1b[%dm", code)
}

// Initialize installs the global logger. Console output goes to console in
// cfg.Format; with cfg.LogFile set, a JSON copy goes to a rotated file.
// Later calls are ignored until ResetForTest.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.logger != nil {
		return
	}

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
	}

	tee := []zapcore.Core{zapcore.NewCore(encoderFor(cfg.Format, cfg.Colors), console, level)}
	if cfg.LogFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		tee = append(tee, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(rotated), level))
	}

	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	logger := zap.New(zapcore.NewTee(tee...), opts...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}

	global.logger = logger
	zap.ReplaceGlobals(logger)
	zap.RedirectStdLog(logger)
}

// InitializeLogger logs to stderr. Stdout belongs to command output such as
// reports written with "-".
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stderr))
}

// ResetForTest drops the global logger so the next Initialize applies.
func ResetForTest() {
	global.mu.Lock()
	global.logger = nil
	global.mu.Unlock()
}

func encoderFor(format string, colors config.ColorConfig) zapcore.Encoder {
	if strings.EqualFold(format, "console") {
		return consoleEncoder(colors)
	}
	return jsonEncoder()
}

func jsonEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// consoleEncoder writes one line per entry with the level colored per
// colors and logger names ending in a dot ("navchain.bridge.").
func consoleEncoder(colors config.ColorConfig) zapcore.Encoder {
	byLevel := map[zapcore.Level]string{
		zapcore.DebugLevel:  ansi(colors.Debug),
		zapcore.InfoLevel:   ansi(colors.Info),
		zapcore.WarnLevel:   ansi(colors.Warn),
		zapcore.ErrorLevel:  ansi(colors.Error),
		zapcore.DPanicLevel: ansi(colors.DPanic),
		zapcore.PanicLevel:  ansi(colors.Panic),
		zapcore.FatalLevel:  ansi(colors.Fatal),
	}

	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	ec.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		label := l.CapitalString()
		if c := byLevel[l]; c != "" {
			label = c + label + ansiReset
		}
		enc.AppendString(label)
	}
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// GetLogger returns the global logger. Before Initialize it hands out a
// stderr console logger named "fallback" without installing it.
func GetLogger() *zap.Logger {
	global.mu.Lock()
	logger := global.logger
	global.mu.Unlock()
	if logger != nil {
		return logger
	}
	fallback := zap.New(zapcore.NewCore(consoleEncoder(config.ColorConfig{}), zapcore.Lock(os.Stderr), zap.DebugLevel)).
		Named("fallback")
	fallback.Warn("Global logger requested before initialization.")
	return fallback
}

// Sync flushes the global logger. Terminals and pipes reject fsync; those
// errors are not worth reporting.
func Sync() {
	global.mu.Lock()
	logger := global.logger
	global.mu.Unlock()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil && !unsyncable(err) {
		fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
	}
}

func unsyncable(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTTY) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, os.ErrInvalid)
}
