package logger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestFieldAttribute(t *testing.T) {
	assert.Equal(t, attribute.String("k", "v"), fieldAttribute(zap.String("k", "v")))
	assert.Equal(t, attribute.Int64("n", 42), fieldAttribute(zap.Int("n", 42)))
	assert.Equal(t, attribute.Bool("b", true), fieldAttribute(zap.Bool("b", true)))
	assert.Equal(t, attribute.String("d", "1.5s"), fieldAttribute(zap.Duration("d", 1500*time.Millisecond)))
	assert.Equal(t, attribute.String("error", "boom"), fieldAttribute(zap.Error(errors.New("boom"))))
	assert.Equal(t, attribute.String("keys", "[a b]"), fieldAttribute(zap.Reflect("keys", []string{"a", "b"})))
}

func TestNew(t *testing.T) {
	lg := New("debug")
	assert.True(t, lg.Core().Enabled(zapcore.DebugLevel))

	lg = New("error")
	assert.False(t, lg.Core().Enabled(zapcore.WarnLevel))
}
