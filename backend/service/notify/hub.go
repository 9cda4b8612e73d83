// Package notify fans status changes, room events and notifications out to
// UI subscribers and keeps a short history for late joiners.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/store"
)

type MessageType string

const (
	TypeStatus       MessageType = "status"
	TypePopularity   MessageType = "popularity"
	TypeEvent        MessageType = "event"
	TypeNotification MessageType = "notification"
)

type Message struct {
	Type    MessageType `json:"type"`
	Time    time.Time   `json:"time"`
	Kind    string      `json:"kind,omitempty"`
	Level   string      `json:"level,omitempty"`
	Source  string      `json:"source,omitempty"`
	Payload any         `json:"payload,omitempty"`
}

// Persister stores notifications. *store.Store satisfies it.
type Persister interface {
	CreateNotification(ctx context.Context, item store.Notification) (*store.Notification, error)
}

const (
	defaultRecent = 200
	defaultBuffer = 64
	writeBuffer   = 256
)

// Hub never blocks a publisher; a subscriber that falls behind loses messages.
// Notifications are persisted by a single writer goroutine.
type Hub struct {
	logger    *zap.SugaredLogger
	persister Persister

	writeMu   sync.RWMutex
	writes    chan store.Notification
	writeDone chan struct{}
	closed    bool

	mu      sync.RWMutex
	subs    map[uint64]chan Message
	nextID  uint64
	recent  []Message
	head    int
	filled  bool
	dropped uint64
}

func NewHub(persister Persister, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Hub{
		logger:    logger,
		persister: persister,
		subs:      make(map[uint64]chan Message),
		recent:    make([]Message, defaultRecent),
	}
	if persister != nil {
		h.writes = make(chan store.Notification, writeBuffer)
		h.writeDone = make(chan struct{})
		go h.persistLoop()
	}
	return h
}

func (h *Hub) persistLoop() {
	defer close(h.writeDone)
	for item := range h.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := h.persister.CreateNotification(ctx, item); err != nil {
			h.logger.Warnf("persist notification failed: %v", err)
		}
		cancel()
	}
}

// Close stops the writer after the queued notifications are stored. Later
// notifications are still published but not persisted.
func (h *Hub) Close() {
	h.writeMu.Lock()
	if h.closed || h.writes == nil {
		h.closed = true
		h.writeMu.Unlock()
		return
	}
	h.closed = true
	close(h.writes)
	h.writeMu.Unlock()
	<-h.writeDone
}

func (h *Hub) Publish(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	h.mu.Lock()
	h.recent[h.head] = msg
	h.head = (h.head + 1) % len(h.recent)
	if h.head == 0 {
		h.filled = true
	}
	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
		}
	}
	h.mu.Unlock()
}

// Notify publishes a notification and queues it for the store when one is
// attached. It never waits on the store.
func (h *Hub) Notify(level store.NotificationLevel, source string, message string) {
	h.Publish(Message{Type: TypeNotification, Level: string(level), Source: source, Payload: message})
	switch level {
	case store.LevelError:
		h.logger.Errorf("[%s] %s", source, message)
	case store.LevelWarn:
		h.logger.Warnf("[%s] %s", source, message)
	default:
		h.logger.Infof("[%s] %s", source, message)
	}
	h.writeMu.RLock()
	defer h.writeMu.RUnlock()
	if h.writes == nil || h.closed {
		return
	}
	select {
	case h.writes <- store.Notification{Level: level, Source: source, Message: message, CreatedAt: time.Now()}:
	default:
		h.logger.Warnf("notification writer is behind, not persisting %q", message)
	}
}

// Subscribe returns a receive channel and a cancel func that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Recent returns up to limit messages, oldest first.
func (h *Hub) Recent(limit int) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ordered []Message
	if h.filled {
		ordered = append(ordered, h.recent[h.head:]...)
	}
	ordered = append(ordered, h.recent[:h.head]...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
