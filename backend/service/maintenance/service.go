package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bilibililivetools/livetts/backend/store"
)

type JobType string

const (
	JobTypeCleanup JobType = "cleanup"
	JobTypeVacuum  JobType = "vacuum"
)

type JobStatus struct {
	ID            string              `json:"id"`
	Type          JobType             `json:"type"`
	Source        string              `json:"source"`
	RetentionDays int                 `json:"retentionDays"`
	WithVacuum    bool                `json:"withVacuum"`
	Status        string              `json:"status"`
	Message       string              `json:"message"`
	QueuedAt      time.Time           `json:"queuedAt"`
	StartedAt     *time.Time          `json:"startedAt,omitempty"`
	FinishedAt    *time.Time          `json:"finishedAt,omitempty"`
	DurationMS    int64               `json:"durationMs"`
	Cleanup       *store.CleanupStats `json:"cleanup,omitempty"`
}

type Status struct {
	Running       bool           `json:"running"`
	RetentionDays int            `json:"retentionDays"`
	LastCleanupAt *time.Time     `json:"lastCleanupAt,omitempty"`
	Current       *JobStatus     `json:"current,omitempty"`
	History       []JobStatus    `json:"history"`
	DB            *store.DBStats `json:"db"`
}

type queueRequest struct {
	id            string
	jobType       JobType
	source        string
	retentionDays int
	withVacuum    bool
	queuedAt      time.Time
}

// Service prunes old notifications, session rows and API error logs.
type Service struct {
	store      *store.Store
	logger     *zap.SugaredLogger
	interval   time.Duration
	maxHistory int
	queue      chan queueRequest
	onFinish   func(JobStatus)
	retention  atomic.Int64

	mu          sync.RWMutex
	cancel      context.CancelFunc
	current     *JobStatus
	history     []JobStatus
	lastCleanup *time.Time
	seq         uint64
}

func New(storeDB *store.Store, retentionDays int, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Service{
		store:      storeDB,
		logger:     logger,
		interval:   30 * time.Minute,
		maxHistory: 20,
		queue:      make(chan queueRequest, 8),
		history:    make([]JobStatus, 0, 20),
	}
	s.retention.Store(int64(retentionDays))
	return s
}

// OnFinish registers a callback for every finished job.
func (s *Service) OnFinish(fn func(JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = fn
}

// SetRetentionDays changes the automatic cleanup window. 0 disables it.
func (s *Service) SetRetentionDays(days int) {
	if days < 0 {
		days = 0
	}
	s.retention.Store(int64(days))
}

func (s *Service) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.workerLoop(ctx)
	go s.autoLoop(ctx)
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Service) QueueCleanup(days int, withVacuum bool, source string) (string, error) {
	if days <= 0 {
		days = int(s.retention.Load())
	}
	if days <= 0 {
		days = 7
	}
	if days > 3650 {
		days = 3650
	}
	return s.enqueue(queueRequest{
		id:            s.nextJobID(JobTypeCleanup),
		jobType:       JobTypeCleanup,
		source:        normalizedSource(source),
		retentionDays: days,
		withVacuum:    withVacuum,
		queuedAt:      time.Now(),
	})
}

func (s *Service) QueueVacuum(source string) (string, error) {
	return s.enqueue(queueRequest{
		id:       s.nextJobID(JobTypeVacuum),
		jobType:  JobTypeVacuum,
		source:   normalizedSource(source),
		queuedAt: time.Now(),
	})
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	s.mu.RLock()
	running := s.cancel != nil
	var current *JobStatus
	if s.current != nil {
		copied := *s.current
		current = &copied
	}
	history := make([]JobStatus, len(s.history))
	copy(history, s.history)
	lastCleanup := s.lastCleanup
	s.mu.RUnlock()

	db, err := s.store.DBStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Running:       running,
		RetentionDays: int(s.retention.Load()),
		LastCleanupAt: lastCleanup,
		Current:       current,
		History:       history,
		DB:            &db,
	}, nil
}

func (s *Service) enqueue(req queueRequest) (string, error) {
	s.mu.RLock()
	running := s.cancel != nil
	s.mu.RUnlock()
	if !running {
		return "", errors.New("maintenance service not started")
	}
	select {
	case s.queue <- req:
		return req.id, nil
	default:
		return "", errors.New("maintenance queue is full")
	}
}

func (s *Service) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.queue:
			s.runJob(ctx, req)
		}
	}
}

func (s *Service) autoLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maybeAutoCleanup()
		}
	}
}

func (s *Service) maybeAutoCleanup() {
	days := int(s.retention.Load())
	if days <= 0 {
		return
	}
	s.mu.RLock()
	lastCleanup := s.lastCleanup
	busy := s.current != nil
	s.mu.RUnlock()
	if busy || (lastCleanup != nil && time.Since(*lastCleanup) < 24*time.Hour) {
		return
	}
	if _, err := s.QueueCleanup(days, false, "auto"); err != nil {
		s.logger.Warnf("queue auto cleanup failed: %v", err)
	}
}

func (s *Service) runJob(parent context.Context, req queueRequest) {
	now := time.Now()
	job := JobStatus{
		ID:            req.id,
		Type:          req.jobType,
		Source:        req.source,
		RetentionDays: req.retentionDays,
		WithVacuum:    req.withVacuum,
		Status:        "running",
		QueuedAt:      req.queuedAt,
		StartedAt:     &now,
	}
	s.setCurrent(job)

	ctx, cancel := context.WithTimeout(parent, 10*time.Minute)
	defer cancel()

	var runErr error
	switch req.jobType {
	case JobTypeCleanup:
		cutoff := now.Add(-time.Duration(req.retentionDays) * 24 * time.Hour)
		cleanup, err := s.store.CleanupOldDataBefore(ctx, cutoff, 600)
		if err != nil {
			runErr = err
			break
		}
		job.Cleanup = &cleanup
		s.mu.Lock()
		s.lastCleanup = &now
		s.mu.Unlock()
		if req.withVacuum {
			if err := s.store.Vacuum(ctx); err != nil {
				runErr = fmt.Errorf("cleanup succeeded but vacuum failed: %w", err)
			}
		}
	case JobTypeVacuum:
		runErr = s.store.Vacuum(ctx)
	default:
		runErr = errors.New("unsupported maintenance job type")
	}

	finished := time.Now()
	job.FinishedAt = &finished
	job.DurationMS = finished.Sub(now).Milliseconds()
	switch {
	case runErr == nil:
		job.Status = "succeeded"
		job.Message = "ok"
		s.logger.Infof("job=%s type=%s succeeded duration=%dms", job.ID, job.Type, job.DurationMS)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		job.Status = "cancelled"
		job.Message = runErr.Error()
		s.logger.Warnf("job=%s type=%s cancelled: %v", job.ID, job.Type, runErr)
	default:
		job.Status = "failed"
		job.Message = runErr.Error()
		s.logger.Errorf("job=%s type=%s failed: %v", job.ID, job.Type, runErr)
	}
	s.finishJob(job)
}

func (s *Service) setCurrent(job JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &job
}

func (s *Service) finishJob(job JobStatus) {
	s.mu.Lock()
	s.current = nil
	s.history = append([]JobStatus{job}, s.history...)
	if len(s.history) > s.maxHistory {
		s.history = s.history[:s.maxHistory]
	}
	onFinish := s.onFinish
	s.mu.Unlock()
	if onFinish != nil {
		onFinish(job)
	}
}

func (s *Service) nextJobID(jobType JobType) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s-%d-%d", jobType, time.Now().Unix(), s.seq)
}

func normalizedSource(source string) string {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return "manual"
	}
	return source
}
