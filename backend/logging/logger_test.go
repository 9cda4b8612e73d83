package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"bilibililivetools/livetts/backend/config"
)

func TestUpdateTogglesFileSink(t *testing.T) {
	dir := t.TempDir()
	manager, err := New(config.Config{DataDir: dir, LogLevel: "warn"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	assert.Equal(t, zapcore.WarnLevel, manager.level.Level())

	require.NoError(t, manager.Update(config.Config{DataDir: dir, EnableDebugLogs: true}))
	assert.Equal(t, zapcore.DebugLevel, manager.level.Level())
	manager.Named("test").Infof("hello %s", "file")

	matches, err := filepath.Glob(filepath.Join(dir, "log", "livetts-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	body, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "hello file")

	require.NoError(t, manager.Update(config.Config{DataDir: dir}))
	manager.Named("test").Infof("after disable")
	body, err = os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.NotContains(t, string(body), "after disable")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}
