package utils

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, &RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: time.Second})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error { return errors.New("down") }, DefaultRetryConfig())
	assert.Error(t, err)
}

func TestCreateTextMessage(t *testing.T) {
	assert.Equal(t, "hi", CreateTextMessage("hi").GetConversation())
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "svc.log")
	log, err := NewLogger(LoggerOptions{Level: "debug", Format: "json", File: true, FilePath: path, MaxSizeMB: 1})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())
	log.Info().Msg("hello")
	assert.FileExists(t, path)
}
