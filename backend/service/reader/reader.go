// Package reader ties one room session to the event pipeline and the speech
// queue, and reconnects the session when it is lost.
package reader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/config"
	"bilibililivetools/livetts/backend/metrics"
	"bilibililivetools/livetts/backend/service/danmaku"
	"bilibililivetools/livetts/backend/service/notify"
	"bilibililivetools/livetts/backend/service/pipeline"
	"bilibililivetools/livetts/backend/service/speech"
	"bilibililivetools/livetts/backend/store"
)

var ErrNoRoom = errors.New("no room id given or configured")

// SessionRecorder keeps one audit row per opened connection. *store.Store satisfies it.
type SessionRecorder interface {
	CreateConnectionSession(ctx context.Context, item store.ConnectionSession) (*store.ConnectionSession, error)
	CloseConnectionSession(ctx context.Context, id string, status store.SessionStatus, reason string) error
}

type Options struct {
	Resolver    danmaku.Resolver
	Synthesizer speech.Synthesizer
	Config      config.Config
	Hub         *notify.Hub
	Recorder    SessionRecorder
	Logger      *zap.SugaredLogger
	// Dial and HeartbeatInterval override the session defaults, mostly for tests.
	Dial              danmaku.DialFunc
	HeartbeatInterval time.Duration
}

type Status struct {
	State            danmaku.ConnectionState `json:"state"`
	ShortRoomID      int64                   `json:"shortRoomId"`
	RoomID           int64                   `json:"roomId"`
	Authenticated    bool                    `json:"authenticated"`
	Popularity       int64                   `json:"popularity"`
	LastError        string                  `json:"lastError,omitempty"`
	ReconnectAttempt int                     `json:"reconnectAttempt"`
	NextRetryAt      *time.Time              `json:"nextRetryAt,omitempty"`
	SessionID        string                  `json:"sessionId,omitempty"`
	Session          danmaku.SessionInfo     `json:"session"`
	PendingGifts     int                     `json:"pendingGifts"`
}

type Reader struct {
	session  *danmaku.Session
	pipeline *pipeline.Pipeline
	queue    *speech.Queue
	hub      *notify.Hub
	recorder SessionRecorder
	logger   *zap.SugaredLogger
	random   func() float64

	// Connection rows are written in order, off the session goroutines.
	recordMu     sync.RWMutex
	records      chan func(context.Context)
	recordDone   chan struct{}
	recordClosed bool

	// connectMu serializes Connect.
	connectMu sync.Mutex

	mu            sync.Mutex
	policy        ReconnectPolicy
	ttsConfig     config.TTSConfig
	room          int64
	manualClose   bool
	attempt       int
	retryCancel   context.CancelFunc
	nextRetryAt   time.Time
	authenticated bool
	popularity    int64
	lastError     string
	sessionID     string
	reconnects    int
}

func New(opts Options) *Reader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Hub == nil {
		opts.Hub = notify.NewHub(nil, opts.Logger)
	}
	cfg := opts.Config
	r := &Reader{
		hub:       opts.Hub,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		random:    rand.Float64,
		policy:    PolicyFromConfig(cfg.Reconnect),
		ttsConfig: cfg.TTS,
	}
	r.queue = speech.NewQueue(opts.Synthesizer, speech.QueueOptions{
		Capacity: cfg.TTS.QueueCapacity,
		Pacing:   time.Duration(cfg.TTS.PacingMs) * time.Millisecond,
		Logger:   opts.Logger.Named("speech"),
		OnError: func(item speech.Item, err error) {
			r.hub.Notify(store.LevelWarn, "speech", fmt.Sprintf("speak %q failed: %v", item.Text, err))
		},
	})
	r.pipeline = pipeline.New(r.queue, pipeline.SettingsFromConfig(cfg), opts.Logger.Named("pipeline"))

	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = time.Duration(cfg.HeartbeatSec) * time.Second
	}
	r.session = danmaku.NewSession(opts.Resolver, r, danmaku.Options{
		HeartbeatInterval: heartbeat,
		Dial:              opts.Dial,
		Logger:            opts.Logger.Named("room"),
	})
	if r.recorder != nil {
		r.records = make(chan func(context.Context), 64)
		r.recordDone = make(chan struct{})
		go r.recordLoop()
	}
	return r
}

func (r *Reader) recordLoop() {
	defer close(r.recordDone)
	for write := range r.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		write(ctx)
		cancel()
	}
}

func (r *Reader) record(write func(context.Context)) {
	r.recordMu.RLock()
	defer r.recordMu.RUnlock()
	if r.records == nil || r.recordClosed {
		return
	}
	select {
	case r.records <- write:
	default:
		r.logger.Warn("session recorder is behind, dropping a connection row update")
	}
}

func (r *Reader) stopRecorder() {
	r.recordMu.Lock()
	if r.records == nil || r.recordClosed {
		r.recordClosed = true
		r.recordMu.Unlock()
		return
	}
	r.recordClosed = true
	close(r.records)
	r.recordMu.Unlock()
	<-r.recordDone
}

// Start launches the speech consumer.
func (r *Reader) Start() {
	r.queue.Start()
}

// Shutdown closes the room, stops the speech consumer and flushes pending
// connection rows.
func (r *Reader) Shutdown() {
	r.Close()
	r.queue.Close()
	r.stopRecorder()
}

func (r *Reader) Queue() *speech.Queue { return r.queue }

func (r *Reader) Hub() *notify.Hub { return r.hub }

// Connect opens shortRoomID. While a session is connecting, open or waiting
// to reconnect it fails with danmaku.ErrAlreadyConnected and leaves the
// current room untouched.
func (r *Reader) Connect(ctx context.Context, shortRoomID int64) error {
	if shortRoomID <= 0 {
		return ErrNoRoom
	}
	r.connectMu.Lock()
	defer r.connectMu.Unlock()

	r.mu.Lock()
	if r.retryCancel != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", danmaku.ErrAlreadyConnected, danmaku.StateReconnecting)
	}
	if state := r.session.State(); state != danmaku.StateIdle {
		r.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", danmaku.ErrAlreadyConnected, state)
	}
	r.room = shortRoomID
	r.manualClose = false
	r.attempt = 0
	r.reconnects = 0
	r.mu.Unlock()

	if err := r.session.Connect(ctx, shortRoomID); err != nil {
		if !errors.Is(err, danmaku.ErrAlreadyConnected) {
			r.hub.Notify(store.LevelWarn, "room", fmt.Sprintf("connect room %d failed: %v", shortRoomID, err))
		}
		return err
	}
	return nil
}

// Close stops the session, any pending reconnect and every gift timer.
func (r *Reader) Close() {
	r.mu.Lock()
	r.manualClose = true
	cancel := r.retryCancel
	r.retryCancel = nil
	r.nextRetryAt = time.Time{}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.session.Close()
	if cancelled := r.pipeline.Reset(); cancelled > 0 {
		r.logger.Infof("cancelled %d pending gift merges", cancelled)
	}
}

func (r *Reader) Status() Status {
	state := r.session.State()
	info := r.session.Info()
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{
		State:            state,
		ShortRoomID:      info.ShortRoomID,
		RoomID:           info.RealRoomID,
		Authenticated:    r.authenticated && state == danmaku.StateOpen,
		Popularity:       r.popularity,
		LastError:        r.lastError,
		ReconnectAttempt: r.attempt,
		SessionID:        r.sessionID,
		Session:          info,
		PendingGifts:     r.pipeline.PendingGifts(),
	}
	if r.retryCancel != nil && state == danmaku.StateIdle {
		status.State = danmaku.StateReconnecting
		status.ShortRoomID = r.room
		if !r.nextRetryAt.IsZero() {
			next := r.nextRetryAt
			status.NextRetryAt = &next
		}
	}
	return status
}

// Speak enqueues ad-hoc text, bypassing the pipeline.
func (r *Reader) Speak(text string) bool {
	return r.queue.Enqueue(text)
}

// ApplyConfig hot-applies pipeline, queue, backend and reconnect settings.
// The heartbeat interval is read when the reader is built.
func (r *Reader) ApplyConfig(cfg config.Config) {
	r.pipeline.Apply(pipeline.SettingsFromConfig(cfg))
	r.queue.SetPacing(time.Duration(cfg.TTS.PacingMs) * time.Millisecond)
	r.queue.SetCapacity(cfg.TTS.QueueCapacity)

	r.mu.Lock()
	r.policy = PolicyFromConfig(cfg.Reconnect)
	ttsChanged := r.ttsConfig != cfg.TTS
	r.ttsConfig = cfg.TTS
	r.mu.Unlock()

	if !ttsChanged {
		return
	}
	backend, err := speech.NewSynthesizer(cfg.TTS, nil)
	if err != nil {
		r.hub.Notify(store.LevelError, "speech", fmt.Sprintf("tts backend %q not usable, keeping previous: %v", cfg.TTS.Mode, err))
		return
	}
	r.queue.SetBackend(backend)
	r.logger.Infof("tts backend switched to %s", backend.Kind())
}

// HandleEvent implements danmaku.Handler.
func (r *Reader) HandleEvent(ev danmaku.Event) {
	if pop, ok := ev.(danmaku.Popularity); ok {
		r.mu.Lock()
		r.popularity = int64(pop.Count)
		r.mu.Unlock()
		metrics.Popularity.Set(float64(pop.Count))
		r.hub.Publish(notify.Message{Type: notify.TypePopularity, Payload: pop.Count})
		return
	}
	outcome := r.pipeline.Handle(ev)
	r.hub.Publish(notify.Message{
		Type:    notify.TypeEvent,
		Kind:    string(ev.Kind()),
		Payload: eventView{Event: ev, Outcome: outcome},
	})
}

type eventView struct {
	Event   danmaku.Event    `json:"event"`
	Outcome pipeline.Outcome `json:"outcome"`
}

type statusView struct {
	State         danmaku.ConnectionState `json:"state"`
	ShortRoomID   int64                   `json:"shortRoomId"`
	RoomID        int64                   `json:"roomId"`
	Authenticated bool                    `json:"authenticated"`
	Lost          bool                    `json:"lost"`
	Error         string                  `json:"error,omitempty"`
}

// HandleStatus implements danmaku.Handler. It runs on session goroutines, so
// it never calls back into the session.
func (r *Reader) HandleStatus(status danmaku.Status) {
	view := statusView{
		State:         status.State,
		ShortRoomID:   status.ShortRoomID,
		RoomID:        status.RoomID,
		Authenticated: status.Authenticated,
		Lost:          status.Lost,
	}
	if status.Err != nil {
		view.Error = status.Err.Error()
	}
	r.hub.Publish(notify.Message{Type: notify.TypeStatus, Kind: status.State.String(), Payload: view})

	switch status.State {
	case danmaku.StateOpen:
		switch {
		case status.Authenticated:
			r.mu.Lock()
			r.authenticated = true
			r.mu.Unlock()
		case errors.Is(status.Err, danmaku.ErrAuthRejected):
			r.setLastError(status.Err)
			r.hub.Notify(store.LevelWarn, "room", status.Err.Error())
		default:
			r.onOpen(status)
		}
	case danmaku.StateIdle:
		r.mu.Lock()
		r.authenticated = false
		r.mu.Unlock()
		if status.Err != nil {
			r.setLastError(status.Err)
		}
		r.onIdle(status)
	}
}

func (r *Reader) setLastError(err error) {
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()
}

func (r *Reader) onOpen(status danmaku.Status) {
	info := r.session.Info()
	id := uuid.NewString()
	r.mu.Lock()
	r.sessionID = id
	r.lastError = ""
	reconnects := r.reconnects
	wasRetrying := r.attempt > 0
	r.attempt = 0
	r.mu.Unlock()
	if wasRetrying {
		metrics.Reconnects.WithLabelValues("ok").Inc()
	}

	r.hub.Notify(store.LevelInfo, "room", fmt.Sprintf("connected to room %d (short %d)", status.RoomID, status.ShortRoomID))
	row := store.ConnectionSession{
		ID:          id,
		ShortRoomID: status.ShortRoomID,
		RoomID:      status.RoomID,
		UID:         info.UID,
		GatewayHost: info.GatewayHost,
		Reconnects:  reconnects,
	}
	r.record(func(ctx context.Context) {
		if _, err := r.recorder.CreateConnectionSession(ctx, row); err != nil {
			r.logger.Warnf("record connection session failed: %v", err)
		}
	})
}

func (r *Reader) onIdle(status danmaku.Status) {
	r.mu.Lock()
	id := r.sessionID
	r.sessionID = ""
	manual := r.manualClose
	r.mu.Unlock()

	if id != "" {
		sessionStatus := store.SessionClosed
		reason := ""
		if status.Lost {
			sessionStatus = store.SessionLost
		}
		if status.Err != nil {
			reason = status.Err.Error()
		}
		r.record(func(ctx context.Context) {
			if err := r.recorder.CloseConnectionSession(ctx, id, sessionStatus, reason); err != nil {
				r.logger.Warnf("close connection session %s failed: %v", id, err)
			}
		})
	}

	if !status.Lost {
		return
	}
	r.pipeline.Reset()
	r.hub.Notify(store.LevelWarn, "room", fmt.Sprintf("room %d connection lost: %v", status.RoomID, status.Err))
	if !manual {
		r.scheduleReconnect()
	}
}

// scheduleReconnect starts or continues a reconnect cycle.
func (r *Reader) scheduleReconnect() {
	r.mu.Lock()
	policy := r.policy
	if r.manualClose || !policy.Enabled || r.room <= 0 {
		r.retryCancel = nil
		r.mu.Unlock()
		return
	}
	r.attempt++
	attempt := r.attempt
	if policy.Exhausted(attempt) {
		r.retryCancel = nil
		r.attempt = 0
		room := r.room
		r.mu.Unlock()
		metrics.Reconnects.WithLabelValues("exhausted").Inc()
		r.hub.Notify(store.LevelError, "room", fmt.Sprintf("giving up on room %d after %d reconnect attempts", room, policy.MaxAttempts))
		return
	}
	delay := policy.Delay(attempt, r.random())
	ctx, cancel := context.WithCancel(context.Background())
	if r.retryCancel != nil {
		r.retryCancel()
	}
	r.retryCancel = cancel
	r.nextRetryAt = time.Now().Add(delay)
	room := r.room
	r.mu.Unlock()

	metrics.ConnectionState.Set(float64(danmaku.StateReconnecting))
	r.hub.Publish(notify.Message{
		Type: notify.TypeStatus,
		Kind: danmaku.StateReconnecting.String(),
		Payload: map[string]any{
			"state":       danmaku.StateReconnecting,
			"shortRoomId": room,
			"attempt":     attempt,
			"delayMs":     delay.Milliseconds(),
		},
	})
	r.logger.Infof("reconnecting to room %d in %s (attempt %d)", room, delay.Round(time.Millisecond), attempt)
	go r.retry(ctx, room, delay)
}

func (r *Reader) retry(ctx context.Context, room int64, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	r.mu.Lock()
	r.reconnects++
	r.nextRetryAt = time.Time{}
	r.mu.Unlock()

	err := r.session.Connect(ctx, room)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		r.mu.Lock()
		r.retryCancel = nil
		r.mu.Unlock()
		return
	}
	metrics.Reconnects.WithLabelValues("error").Inc()
	r.logger.Warnf("reconnect to room %d failed: %v", room, err)
	r.scheduleReconnect()
}
