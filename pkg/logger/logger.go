package logger

import (
	"context"
	"dmagma/config"
	"dmagma/pkg/telemetry"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

func NewLogger(p LoggerParams) *zap.Logger {
	loggerCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})

	cfg := buildConfig(p.AppConfig.LogLevel)
	if p.Telemetry == nil || p.Telemetry.GetLogger() == nil {
		return build(cfg)
	}

	lg, err := cfg.Build(
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &telemetryCore{
				Core:  core,
				telem: p.Telemetry,
				ctx:   loggerCtx,
				attrsBase: []attribute.KeyValue{
					attribute.String("dmagma.service", p.AppConfig.ServiceName),
				},
			}
		}),
		zap.AddCaller(),
	)
	if err != nil {
		return build(cfg)
	}
	lg.Info("Logger with telemetry enabled")
	return lg.Named(p.AppConfig.ServiceName)
}

// New builds a plain logger for processes without an fx graph (the CLI)
func New(level string) *zap.Logger {
	return build(buildConfig(level))
}

func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func buildConfig(levelName string) zap.Config {
	level := ParseLevel(levelName)

	var cfg zap.Config
	if level > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg
}

func build(cfg zap.Config) *zap.Logger {
	lg, err := cfg.Build()
	if err != nil {
		// fall back to a default logger
		return zap.NewExample()
	}
	return lg
}

// telemetryCore writes through the wrapped core and mirrors every entry to the
// OpenTelemetry log pipeline, converting zap fields into attributes.
type telemetryCore struct {
	zapcore.Core
	telem     telemetry.Telemetry
	ctx       context.Context
	attrsBase []attribute.KeyValue
}

// With keeps the wrapper on child cores
func (t *telemetryCore) With(fields []zapcore.Field) zapcore.Core {
	return &telemetryCore{
		Core:      t.Core.With(fields),
		telem:     t.telem,
		ctx:       t.ctx,
		attrsBase: t.attrsBase,
	}
}

// Check registers this core, not the inner one, on the entry
func (t *telemetryCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(ent.Level) {
		return checked.AddCore(ent, t)
	}
	return checked
}

func (t *telemetryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := t.Core.Write(ent, fields); err != nil {
		return err
	}

	rec := log.Record{}
	rec.SetTimestamp(ent.Time)
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverityText(ent.Level.String())
	rec.SetSeverity(severity(ent.Level))

	attrs := make([]attribute.KeyValue, 0, len(fields)+len(t.attrsBase)+1)
	attrs = append(attrs, t.attrsBase...)
	if ent.LoggerName != "" {
		attrs = append(attrs, attribute.String("logger", ent.LoggerName))
	}
	for _, f := range fields {
		attrs = append(attrs, fieldAttribute(f))
	}
	for _, attr := range attrs {
		rec.AddAttributes(log.KeyValueFromAttribute(attr))
	}

	t.telem.GetLogger().Emit(t.ctx, rec)
	return nil
}

func severity(level zapcore.Level) log.Severity {
	switch level {
	case zapcore.DebugLevel:
		return log.SeverityDebug
	case zapcore.InfoLevel:
		return log.SeverityInfo
	case zapcore.WarnLevel:
		return log.SeverityWarn
	case zapcore.ErrorLevel:
		return log.SeverityError
	default:
		return log.SeverityFatal
	}
}

func fieldAttribute(f zapcore.Field) attribute.KeyValue {
	switch f.Type {
	case zapcore.BoolType:
		return attribute.Bool(f.Key, f.Integer != 0)
	case zapcore.Float64Type:
		if v, ok := f.Interface.(float64); ok {
			return attribute.Float64(f.Key, v)
		}
	case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type:
		return attribute.Int64(f.Key, f.Integer)
	case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
		return attribute.Int64(f.Key, f.Integer)
	case zapcore.DurationType:
		return attribute.String(f.Key, time.Duration(f.Integer).String())
	case zapcore.StringType:
		return attribute.String(f.Key, f.String)
	case zapcore.ErrorType:
		if errVal, ok := f.Interface.(error); ok {
			return attribute.String(f.Key, errVal.Error())
		}
	}
	if f.Interface != nil {
		return attribute.String(f.Key, fmt.Sprint(f.Interface))
	}
	return attribute.String(f.Key, f.String)
}
