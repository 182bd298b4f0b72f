package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"densityengine/internal/config"
)

// Severity is the closed set spec.md §7 requires on every structured log
// event. zap has no native CRITICAL level, so CRITICAL events are logged
// at zap's Error level with an explicit severity field and, via
// NewLogger's CriticalSink wiring, durably mirrored to system_events.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityField and EventField tag every log call that needs to carry the
// stable (severity, event_type) pair spec.md §7 describes.
func SeverityField(s Severity) zap.Field { return zap.String("severity", string(s)) }
func EventField(eventType string) zap.Field { return zap.String("event_type", eventType) }

// CriticalSink receives every log entry written at CRITICAL severity so it
// can be durably recorded to system_events (spec.md §7: "CRITICAL events
// are also written to system_events").
type CriticalSink interface {
	RecordCritical(eventType, message string, fields map[string]interface{})
}

// NewLogger builds a zap.Logger from config. When sink is non-nil, a
// wrapping zapcore.Core forwards every CRITICAL-severity entry to it.
func NewLogger(cfg config.LoggingConfig, sink CriticalSink) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stdout"}
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = []string{"stderr"}
	}

	base := zap.NewProductionEncoderConfig()
	base.EncodeTime = zapcore.ISO8601TimeEncoder
	base.EncodeDuration = zapcore.StringDurationEncoder
	base.EncodeLevel = zapcore.CapitalColorLevelEncoder
	base.TimeKey = "ts"
	base.NameKey = "logger"
	base.CallerKey = "caller"

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: cfg.Development,
		Encoding:    cfg.Encoding,
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     base.MessageKey,
			LevelKey:       base.LevelKey,
			TimeKey:        base.TimeKey,
			NameKey:        base.NameKey,
			CallerKey:      base.CallerKey,
			FunctionKey:    zapcore.OmitKey,
			StacktraceKey:  base.StacktraceKey,
			LineEnding:     base.LineEnding,
			EncodeLevel:    base.EncodeLevel,
			EncodeTime:     base.EncodeTime,
			EncodeDuration: base.EncodeDuration,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
		InitialFields:    map[string]interface{}{"service": "densityengine"},
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}
	if sink != nil {
		opts = append(opts, zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &criticalTeeCore{Core: core, sink: sink}
		}))
	}

	logger, err := zapCfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	return logger, nil
}

// criticalTeeCore forwards any entry carrying severity=CRITICAL to the
// configured sink, in addition to the normal encoded output.
type criticalTeeCore struct {
	zapcore.Core
	sink CriticalSink
}

func (c *criticalTeeCore) With(fields []zapcore.Field) zapcore.Core {
	return &criticalTeeCore{Core: c.Core.With(fields), sink: c.sink}
}

func (c *criticalTeeCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *criticalTeeCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	var severity, eventType string
	extra := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		switch f.Key {
		case "severity":
			severity = f.String
		case "event_type":
			eventType = f.String
		default:
			extra[f.Key] = fieldValue(f)
		}
	}
	if severity == string(SeverityCritical) {
		if eventType == "" {
			eventType = "critical"
		}
		c.sink.RecordCritical(eventType, entry.Message, extra)
	}
	return c.Core.Write(entry, fields)
}

func fieldValue(f zapcore.Field) interface{} {
	switch f.Type {
	case zapcore.StringType:
		return f.String
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return f.Integer
	case zapcore.Float64Type:
		return f.Interface
	case zapcore.BoolType:
		return f.Integer == 1
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return err.Error()
		}
		return f.Interface
	default:
		return f.Interface
	}
}
