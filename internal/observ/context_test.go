package observ

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextReturnsAttachedLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core).With(zap.String("request_id", "req-1"))

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("hello")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	}
}

func TestFromContextFallsBackToGlobal(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
}

func TestNewLoggerBadLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("development", "not-a-level", "test")
	assert.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}
