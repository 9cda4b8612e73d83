package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilibililivetools/livetts/backend/store"
)

func TestCleanupJobRemovesOldRows(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "livetts.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	_, err = db.CreateNotification(ctx, store.Notification{Message: "old", CreatedAt: time.Now().Add(-10 * 24 * time.Hour)})
	require.NoError(t, err)
	_, err = db.CreateNotification(ctx, store.Notification{Message: "fresh"})
	require.NoError(t, err)

	svc := New(db, 7, nil)
	finished := make(chan JobStatus, 1)
	svc.OnFinish(func(job JobStatus) { finished <- job })

	_, err = svc.QueueCleanup(0, true, "")
	require.Error(t, err)

	svc.Start()
	defer svc.Stop()
	id, err := svc.QueueCleanup(0, true, "")
	require.NoError(t, err)

	select {
	case job := <-finished:
		assert.Equal(t, id, job.ID)
		assert.Equal(t, "succeeded", job.Status)
		assert.Equal(t, "manual", job.Source)
		assert.Equal(t, 7, job.RetentionDays)
		require.NotNil(t, job.Cleanup)
		assert.Equal(t, int64(1), job.Cleanup.Notifications)
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup job did not finish")
	}

	status, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Len(t, status.History, 1)
	assert.NotNil(t, status.LastCleanupAt)

	left, err := db.ListNotifications(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].Message)
}
