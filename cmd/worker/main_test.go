package main

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lalith-99/retailcore/internal/jobs"
)

func TestStartupFailuresExitOne(t *testing.T) {
	t.Run("unknown flag", func(t *testing.T) {
		assert.Equal(t, exitStartup, execute([]string{"--nope"}))
	})
	t.Run("bad config", func(t *testing.T) {
		t.Setenv("WORKER_CONCURRENCY", "many")
		assert.Equal(t, exitStartup, execute(nil))
	})
	t.Run("store unreachable", func(t *testing.T) {
		t.Setenv("ENV", "development")
		t.Setenv("DB_URL", "postgres://retailcore@127.0.0.1:1/retailcore?sslmode=disable&connect_timeout=1")
		assert.Equal(t, exitStartup, execute([]string{"--exit-when-idle"}))
	})
}

func TestExitErrorUnwraps(t *testing.T) {
	err := &exitError{code: exitInterrupted, err: jobs.ErrDrainInterrupted}
	assert.True(t, errors.Is(err, jobs.ErrDrainInterrupted))

	var ee *exitError
	assert.True(t, errors.As(error(err), &ee))
	assert.Equal(t, exitInterrupted, ee.code)
}

func TestFirstSignalStartsDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalled := watchSignals(ctx, cancel, zaptest.NewLogger(t))
	assert.False(t, signalled.Load())

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
	assert.True(t, signalled.Load())
}
