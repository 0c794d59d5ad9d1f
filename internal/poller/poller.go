// Package poller owns the repeating status request for one job. At most one
// request is outstanding at a time: ticks that arrive while a request is in
// flight are skipped rather than queued, so snapshots reach the store in the
// order their requests were issued.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/clock"
	"github.com/JakeFAU/sitepdf-client/internal/clock/system"
	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/progress"
)

// ErrAlreadyRunning is returned by Start while a task is alive.
var ErrAlreadyRunning = errors.New("poll task already running")

const (
	defaultInterval       = 2 * time.Second
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 30 * time.Second
)

// StatusClient fetches one status snapshot.
type StatusClient interface {
	JobStatus(ctx context.Context, jobID string) (job.Snapshot, error)
}

// SnapshotApplier receives every successful snapshot.
type SnapshotApplier interface {
	Apply(snap job.Snapshot) error
}

// Config tunes the poll cadence and the failure budget.
type Config struct {
	Interval time.Duration
	// MaxFailureDuration bounds a streak of consecutive transport failures.
	// Zero retries forever.
	MaxFailureDuration time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	Clock              clock.Clock
}

// Outcome describes how a task ended on its own.
type Outcome struct {
	JobID string
	// Phase is the terminal phase reported by the backend, empty when Err is set.
	Phase job.Phase
	// Message is the backend error message for failed jobs.
	Message string
	// Err is set whenever the task ended without a terminal phase.
	Err error
}

// Poller starts poll tasks. It is safe for concurrent use.
type Poller struct {
	client  StatusClient
	applier SnapshotApplier
	cfg     Config
	emitter progress.Emitter
	logger  *zap.Logger

	mu        sync.Mutex
	task      *Task
	sessionID string
}

// New builds a Poller. Zero config values take defaults.
func New(client StatusClient, applier SnapshotApplier, cfg Config, emitter progress.Emitter, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = max(defaultBackoffMax, cfg.BackoffInitial)
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if emitter == nil {
		emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		client:  client,
		applier: applier,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger.Named("poller"),
	}
}

// SetSessionID changes the session stamped on events of future tasks.
func (p *Poller) SetSessionID(id string) {
	p.mu.Lock()
	p.sessionID = id
	p.mu.Unlock()
}

// Start begins polling jobID. The first request is issued immediately and
// then once per interval. onTerminal runs once, on the task's goroutine,
// whenever the task ends on its own: a terminal phase, polling giving up, ctx
// ending, or the store no longer tracking jobID. It does not run after Stop.
// ctx bounds the requests themselves.
func (p *Poller) Start(ctx context.Context, jobID string, onTerminal func(Outcome)) (*Task, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != nil && p.task.alive() {
		return nil, fmt.Errorf("%w: job %s", ErrAlreadyRunning, p.task.jobID)
	}
	if onTerminal == nil {
		onTerminal = func(Outcome) {}
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BackoffInitial
	bo.MaxInterval = p.cfg.BackoffMax
	bo.MaxElapsedTime = p.cfg.MaxFailureDuration
	bo.Clock = p.cfg.Clock

	t := &Task{
		jobID:      jobID,
		sessionID:  p.sessionID,
		client:     p.client,
		applier:    p.applier,
		interval:   p.cfg.Interval,
		clock:      p.cfg.Clock,
		backoff:    bo,
		emitter:    p.emitter,
		logger:     p.logger.With(zap.String("job_id", jobID)),
		onTerminal: onTerminal,
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	p.task = t
	go t.run(ctx)
	return t, nil
}

// Stop stops the current task, if any.
func (p *Poller) Stop() {
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Running reports whether a task is alive.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task != nil && p.task.alive()
}
