package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	manager, err := NewManagerAt(path)
	require.NoError(t, err)

	cfg := manager.Current()
	assert.FileExists(t, path)
	assert.Equal(t, ":18686", cfg.ListenAddr)
	assert.Equal(t, "/api/v1", cfg.APIBase)
	assert.Equal(t, 3.0, cfg.ContinuousGiftInterval)
	assert.Equal(t, 100, cfg.TTS.QueueCapacity)
	assert.Equal(t, 30, cfg.HeartbeatSec)
	assert.Equal(t, "{uname}说：{msg}", cfg.Templates.Danmaku)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "db", "livetts.db"), cfg.DBPath)
	assert.True(t, cfg.Reconnect.Enabled)
}

func TestReadYAMLConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "roomIds: [1234, -1]\ncontinuousGiftInterval: 0\nblacklistWords: [\" spam \", \"\"]\ntts:\n  mode: Azure\n  queueCapacity: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	manager, err := NewManagerAt(path)
	require.NoError(t, err)
	cfg := manager.Current()
	assert.Equal(t, []int64{1234}, cfg.RoomIDs)
	assert.Zero(t, cfg.ContinuousGiftInterval)
	assert.Equal(t, []string{"spam"}, cfg.BlacklistWords)
	assert.Equal(t, "azure", cfg.TTS.Mode)
	assert.Zero(t, cfg.TTS.QueueCapacity)
	assert.Equal(t, "感谢{uname}的关注", cfg.Templates.Follow)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"roomIds":[1],"welcomeLevel":3}`), 0o600))
	t.Setenv("LIVETTS_ROOM_IDS", "21452505,7777")
	t.Setenv("LIVETTS_WELCOME_LEVEL", "10")

	manager, err := NewManagerAt(path)
	require.NoError(t, err)
	cfg := manager.Current()
	assert.Equal(t, []int64{21452505, 7777}, cfg.RoomIDs)
	assert.Equal(t, 10, cfg.WelcomeLevel)
}

func TestSaveNotifiesListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	manager, err := NewManagerAt(path)
	require.NoError(t, err)

	var calls atomic.Int32
	manager.AddListener(func(cfg Config) {
		calls.Add(1)
		assert.Equal(t, 5, cfg.WelcomeLevel)
	})
	manager.AddListener(func(Config) { panic("listener failure") })

	cfg := manager.Current()
	cfg.WelcomeLevel = 5
	saved, err := manager.Save(cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, saved.WelcomeLevel)
	assert.Equal(t, int32(1), calls.Load())

	_, err = manager.Save(saved)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	reloaded, err := manager.ReloadFromDisk()
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.WelcomeLevel)
}

func TestWatchPicksUpFileEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	manager, err := NewManagerAt(path)
	require.NoError(t, err)
	manager.watchEvery = 20 * time.Millisecond

	changed := make(chan Config, 1)
	manager.AddListener(func(cfg Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	manager.StartWatching()
	t.Cleanup(manager.StopWatching)

	require.NoError(t, os.WriteFile(path, []byte(`{"welcomeLevel":21,"roomIds":[42]}`), 0o600))
	select {
	case cfg := <-changed:
		assert.Equal(t, 21, cfg.WelcomeLevel)
		assert.Equal(t, []int64{42}, cfg.RoomIDs)
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestRedacted(t *testing.T) {
	cfg := defaultConfig(filepath.Join(t.TempDir(), "config.json"))
	cfg.SessionCookie = "SESSDATA=secret"
	cfg.TTS.Azure.Key = "k"
	redacted := cfg.Redacted()
	assert.Equal(t, "******", redacted.SessionCookie)
	assert.Equal(t, "******", redacted.TTS.Azure.Key)
	assert.Empty(t, redacted.APITokenHash)
	assert.Equal(t, "SESSDATA=secret", cfg.SessionCookie)
}
