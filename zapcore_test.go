package raven

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestZapCore_Message(t *testing.T) {
	sender := &recordingSender{}
	c := newTestClient(t, WithSender(sender))
	logger := zap.New(NewZapCore(c, zapcore.WarnLevel), zap.AddCaller()).Named("billing")

	logger.Info("ignored")
	logger.With(zap.String("request_id", "r-1")).Warn("invoice overdue", zap.Int("days", 3))

	events := sender.events(t)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, "invoice overdue", got.Message)
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, "billing", got.Logger)
	assert.Contains(t, got.Culprit, "zapcore_test.go:")
	assert.Equal(t, "r-1", got.Extra["request_id"])
	assert.Equal(t, float64(3), got.Extra["days"])
	assert.Equal(t, "abc", got.Extra["build"])
}

func TestZapCore_Error(t *testing.T) {
	sender := &recordingSender{}
	c := newTestClient(t, WithSender(sender))
	logger := zap.New(NewZapCore(c, zapcore.ErrorLevel))

	cause := errors.New("connection refused")
	logger.Error("database unavailable", zap.Error(cause), zap.String("dsn", "db:5432"))

	got := sender.last(t)
	assert.Equal(t, "connection refused", got.Message)
	assert.Equal(t, LevelError, got.Level)
	require.Len(t, got.Exception, 1)
	assert.Equal(t, "*errors.errorString", got.Exception[0].Type)
	assert.Equal(t, "database unavailable", got.Extra["log_message"])
	assert.Equal(t, "db:5432", got.Extra["dsn"])
	assert.NotContains(t, got.Extra, "error")
}

func TestZapCore_Levels(t *testing.T) {
	sender := &recordingSender{}
	c := newTestClient(t, WithSender(sender))
	logger := zap.New(NewZapCore(c, zapcore.ErrorLevel))

	logger.DPanic("invariant broken")
	assert.Equal(t, LevelFatal, sender.last(t).Level)
}

func TestZapCore_WithDoesNotLeak(t *testing.T) {
	sender := &recordingSender{}
	c := newTestClient(t, WithSender(sender))
	base := zap.New(NewZapCore(c, zapcore.ErrorLevel))

	base.With(zap.String("scope", "child")).Error("child entry")
	base.Error("parent entry")

	events := sender.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "child", events[0].Extra["scope"])
	assert.NotContains(t, events[1].Extra, "scope")
}
