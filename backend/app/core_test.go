package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/service/bilibili"
	"bilibililivetools/livetts/backend/store"
)

func newTestCore(t *testing.T) *core {
	t.Helper()
	mgr, err := config.NewManagerAt(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	c, err := newCore(mgr, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.close() })
	return c
}

func TestAPIFailuresAreRecorded(t *testing.T) {
	c := newTestCore(t)
	c.recordAPIFailure(bilibili.Failure{
		Endpoint:   "room_init",
		Stage:      "http_status",
		HTTPStatus: 412,
		Attempt:    2,
		Retryable:  true,
		Body:       "blocked",
		Err:        errors.New("status 412"),
	})

	items, err := c.store.ListBilibiliAPIErrorLogs(context.Background(), 10, "room")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 412, items[0].HTTPStatus)
	assert.Equal(t, "status 412", items[0].ErrorMessage)
	assert.True(t, items[0].Retryable)
}

func TestLoginCookieIsSavedAndApplied(t *testing.T) {
	c := newTestCore(t)
	require.False(t, c.bilibili.HasCredential())

	c.saveLoginCookie("SESSDATA=abc; DedeUserID=1")

	assert.Equal(t, "SESSDATA=abc; DedeUserID=1", c.cfgManager.Current().SessionCookie)
	assert.True(t, c.bilibili.HasCredential())
	var items []store.Notification
	require.Eventually(t, func() bool {
		var err error
		items, err = c.store.ListNotifications(context.Background(), 10, store.LevelInfo)
		return err == nil && len(items) > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "account", items[0].Source)
}

func TestAutoConnectSkipsWithoutRooms(t *testing.T) {
	c := newTestCore(t)
	c.autoConnect(context.Background())
	assert.Equal(t, "idle", c.reader.Status().State.String())
}
