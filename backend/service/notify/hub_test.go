package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bilibililivetools/livetts/backend/store"
)

type memoryPersister struct {
	mu    sync.Mutex
	items []store.Notification
}

func (m *memoryPersister) CreateNotification(_ context.Context, item store.Notification) (*store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return &item, nil
}

func TestSubscribeReceivesPublished(t *testing.T) {
	hub := NewHub(nil, nil)
	ch, cancel := hub.Subscribe(4)
	defer cancel()

	hub.Publish(Message{Type: TypeStatus, Payload: "open"})
	msg := <-ch
	assert.Equal(t, TypeStatus, msg.Type)
	assert.False(t, msg.Time.IsZero())
	assert.Equal(t, 1, hub.Subscribers())
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(nil, nil)
	_, cancel := hub.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		hub.Publish(Message{Type: TypeEvent})
	}
	assert.Equal(t, uint64(9), hub.Dropped())
}

func TestCancelClosesChannelOnce(t *testing.T) {
	hub := NewHub(nil, nil)
	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers())
	hub.Publish(Message{Type: TypeEvent})
}

func TestRecentRingKeepsNewest(t *testing.T) {
	hub := NewHub(nil, nil)
	for i := 0; i < defaultRecent+5; i++ {
		hub.Publish(Message{Type: TypeEvent, Kind: fmt.Sprint(i)})
	}
	all := hub.Recent(0)
	require.Len(t, all, defaultRecent)
	assert.Equal(t, "5", all[0].Kind)
	assert.Equal(t, fmt.Sprint(defaultRecent+4), all[len(all)-1].Kind)

	last := hub.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, fmt.Sprint(defaultRecent+3), last[0].Kind)
}

func TestNotifyPersists(t *testing.T) {
	persister := &memoryPersister{}
	hub := NewHub(persister, nil)
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Notify(store.LevelWarn, "speech", "backend failed")
	msg := <-ch
	assert.Equal(t, TypeNotification, msg.Type)
	assert.Equal(t, "warn", msg.Level)

	hub.Close()
	require.Len(t, persister.items, 1)
	assert.Equal(t, "backend failed", persister.items[0].Message)
	assert.False(t, persister.items[0].CreatedAt.IsZero())
}

// blockingPersister holds every insert until release is closed.
type blockingPersister struct {
	release chan struct{}
	stored  chan string
}

func (b *blockingPersister) CreateNotification(_ context.Context, item store.Notification) (*store.Notification, error) {
	<-b.release
	b.stored <- item.Message
	return &item, nil
}

func TestNotifyDoesNotWaitOnStore(t *testing.T) {
	persister := &blockingPersister{release: make(chan struct{}), stored: make(chan string, 8)}
	hub := NewHub(persister, nil)

	done := make(chan struct{})
	go func() {
		hub.Notify(store.LevelWarn, "room", "connection lost")
		hub.Notify(store.LevelInfo, "room", "connected")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow store")
	}

	close(persister.release)
	hub.Close()
	require.Len(t, persister.stored, 2)
	assert.Equal(t, "connection lost", <-persister.stored)
	assert.Equal(t, "connected", <-persister.stored)

	hub.Notify(store.LevelInfo, "room", "after close")
	hub.Close()
	assert.Empty(t, persister.stored)
}
