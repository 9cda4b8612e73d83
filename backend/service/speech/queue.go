package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/metrics"
)

const DefaultPacing = 100 * time.Millisecond

var errNoBackend = errors.New("no tts backend selected")

type Item struct {
	Text       string    `json:"text"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

type Stats struct {
	Pending  int    `json:"pending"`
	Speaking bool   `json:"speaking"`
	Backend  Kind   `json:"backend"`
	Capacity int    `json:"capacity"`
	PacingMs int64  `json:"pacingMs"`
	Enqueued uint64 `json:"enqueued"`
	Spoken   uint64 `json:"spoken"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

type QueueOptions struct {
	// Capacity bounds the pending items; the oldest is dropped on overflow. 0 is unbounded.
	Capacity int
	Pacing   time.Duration
	Logger   *zap.SugaredLogger
	OnError  func(item Item, err error)
}

// Queue is a FIFO of utterances drained by a single consumer goroutine. A
// backend call never starts while another one is in flight.
type Queue struct {
	logger  *zap.SugaredLogger
	onError func(Item, error)
	wake    chan struct{}

	mu       sync.Mutex
	items    []Item
	capacity int
	pacing   time.Duration
	backend  Synthesizer
	speaking bool
	started  bool
	closed   bool
	stats    Stats
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewQueue(backend Synthesizer, opts QueueOptions) *Queue {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}
	if opts.Capacity < 0 {
		opts.Capacity = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger:   opts.Logger,
		onError:  opts.OnError,
		wake:     make(chan struct{}, 1),
		capacity: opts.Capacity,
		pacing:   opts.Pacing,
		backend:  backend,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run()
}

// Close stops the consumer and cancels an in-flight backend call. Pending items are discarded.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.items = nil
	q.mu.Unlock()
	metrics.QueueLength.Set(0)

	q.cancel()
	if started {
		<-q.done
	}
}

// Enqueue appends text. It returns false only after Close.
func (q *Queue) Enqueue(text string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.stats.Dropped++
		metrics.UtterancesDropped.Inc()
		q.logger.Warnf("queue full (%d), dropping oldest utterance %q", q.capacity, dropped.Text)
	}
	q.items = append(q.items, Item{Text: text, EnqueuedAt: time.Now()})
	q.stats.Enqueued++
	metrics.QueueLength.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Clear drops all pending items and returns how many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := len(q.items)
	q.items = nil
	metrics.QueueLength.Set(0)
	return removed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.Pending = len(q.items)
	stats.Speaking = q.speaking
	stats.Capacity = q.capacity
	stats.PacingMs = q.pacing.Milliseconds()
	if q.backend != nil {
		stats.Backend = q.backend.Kind()
	}
	return stats
}

// SetBackend takes effect from the next item.
func (q *Queue) SetBackend(backend Synthesizer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backend = backend
}

func (q *Queue) SetPacing(pacing time.Duration) {
	if pacing < 0 {
		pacing = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pacing = pacing
}

// SetCapacity trims the oldest items when the new bound is smaller.
func (q *Queue) SetCapacity(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
	if capacity > 0 && len(q.items) > capacity {
		trimmed := len(q.items) - capacity
		q.items = q.items[trimmed:]
		q.stats.Dropped += uint64(trimmed)
		metrics.UtterancesDropped.Add(float64(trimmed))
	}
	metrics.QueueLength.Set(float64(len(q.items)))
}

func (q *Queue) next() (Item, Synthesizer, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.speaking || len(q.items) == 0 {
		return Item{}, nil, 0, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.speaking = true
	metrics.QueueLength.Set(float64(len(q.items)))
	return item, q.backend, q.pacing, true
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		item, backend, pacing, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		q.dispatch(backend, item)

		timer := time.NewTimer(pacing)
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			timer.Stop()
			q.setSpeaking(false)
			return
		}
		q.setSpeaking(false)
	}
}

func (q *Queue) setSpeaking(value bool) {
	q.mu.Lock()
	q.speaking = value
	q.mu.Unlock()
}

func (q *Queue) dispatch(backend Synthesizer, item Item) {
	kind := Kind("none")
	var err error
	if backend == nil {
		err = &SynthesisError{Backend: kind, Err: errNoBackend}
	} else {
		kind = backend.Kind()
		err = q.speak(backend, item.Text)
	}

	q.mu.Lock()
	if err != nil {
		q.stats.Failed++
	} else {
		q.stats.Spoken++
	}
	q.mu.Unlock()

	if err != nil {
		metrics.UtterancesSpoken.WithLabelValues(string(kind), "error").Inc()
		if q.ctx.Err() != nil {
			return
		}
		q.logger.Warnf("speak %q failed: %v", item.Text, err)
		if q.onError != nil {
			q.onError(item, err)
		}
		return
	}
	metrics.UtterancesSpoken.WithLabelValues(string(kind), "ok").Inc()
	q.logger.Debugf("spoke %q after %s", item.Text, time.Since(item.EnqueuedAt).Round(time.Millisecond))
}

// speak keeps a panicking backend from taking the consumer down.
func (q *Queue) speak(backend Synthesizer, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SynthesisError{Backend: backend.Kind(), Err: errors.New("backend panic")}
			q.logger.Errorf("tts backend %s panicked: %v", backend.Kind(), r)
		}
	}()
	return synthesisError(backend.Kind(), backend.SynthesizeAndPlay(q.ctx, text))
}
