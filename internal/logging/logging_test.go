package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelSelection(t *testing.T) {
	cases := []struct {
		level   string
		enabled slog.Level
		muted   slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"garbage", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tc := range cases {
		log := New(tc.level, "text")
		require.NotNil(t, log)
		assert.True(t, log.Enabled(context.Background(), tc.enabled), tc.level)
		assert.False(t, log.Enabled(context.Background(), tc.muted), tc.level)
	}
}

func TestJSONFormat(t *testing.T) {
	log := New("info", "json")
	require.NotNil(t, log)
	_, ok := log.Handler().(*slog.JSONHandler)
	assert.True(t, ok)
}
