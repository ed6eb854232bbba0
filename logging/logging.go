// Package logging provides the engine's structured log output.
// Heartbeat and action records in the store are the audit trail; this
// package is for real-time monitoring of the scheduler and workers.
package logging

import (
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel maps a case-insensitive level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "WARNING":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures a Logger.
type Options struct {
	Level  Level
	Format string // "console" (default) or "json"
	Output io.Writer
}

// Logger provides leveled structured logging.
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// New creates a console Logger writing to stdout at INFO.
func New() *Logger {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Logger from options.
func NewWithOptions(opts Options) *Logger {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Level == "" {
		opts.Level = LevelInfo
	}
	level := zap.NewAtomicLevelAt(opts.Level.zapLevel())

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(opts.Output), level)
	return &Logger{z: zap.New(core), level: level}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{z: l.z.Named(component), level: l.level}
}

// With returns a logger that attaches fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	return &Logger{z: l.z.With(toZap(fields)...), level: l.level}
}

// SetLevel sets the minimum log level. Derived loggers share the level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.z.Debug(msg, first(fields)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.z.Info(msg, first(fields)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.z.Warn(msg, first(fields)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.z.Error(msg, first(fields)...)
}

func first(fields []map[string]interface{}) []zap.Field {
	if len(fields) == 0 || fields[0] == nil {
		return nil
	}
	return toZap(fields[0])
}

// toZap converts a field map to zap fields in key order so output is stable.
func toZap(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		case time.Duration:
			out = append(out, zap.Duration(k, v))
		case time.Time:
			out = append(out, zap.Time(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// --- Engine event helpers ---

// HeartbeatStarted logs promotion of a heartbeat to EXECUTING.
func (l *Logger) HeartbeatStarted(agentID, heartbeatID string, scheduledAt time.Time) {
	l.Info("heartbeat_started", map[string]interface{}{
		"agent_id":     agentID,
		"heartbeat_id": heartbeatID,
		"scheduled_at": scheduledAt,
	})
}

// HeartbeatCompleted logs a completed heartbeat cycle.
func (l *Logger) HeartbeatCompleted(agentID, heartbeatID string, events, actions int, duration time.Duration) {
	l.Info("heartbeat_completed", map[string]interface{}{
		"agent_id":          agentID,
		"heartbeat_id":      heartbeatID,
		"events_processed":  events,
		"actions_triggered": actions,
		"duration":          duration,
	})
}

// HeartbeatFailed logs a failed heartbeat cycle.
func (l *Logger) HeartbeatFailed(agentID, heartbeatID string, err error) {
	l.Error("heartbeat_failed", map[string]interface{}{
		"agent_id":     agentID,
		"heartbeat_id": heartbeatID,
		"error":        err,
	})
}

// ActionResult logs the terminal status of a tool action.
func (l *Logger) ActionResult(tool, actionID string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"tool":      tool,
		"action_id": actionID,
		"duration":  duration,
	}
	if err != nil {
		fields["error"] = err
		l.Warn("action_failed", fields)
		return
	}
	l.Debug("action_completed", fields)
}
