// Package jobstate holds the single authoritative client-side Job. The poller
// is its only writer of snapshots; views subscribe to changes.
package jobstate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/clock"
	"github.com/JakeFAU/sitepdf-client/internal/clock/system"
	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/progress"
)

// ErrSubmissionAbandoned is returned by Submit when the Store was reset while
// the creation request was in flight.
var ErrSubmissionAbandoned = errors.New("submission abandoned by reset")

// JobCreator creates backend jobs.
type JobCreator interface {
	CreateJob(ctx context.Context, target string) (string, error)
}

// Options configures optional Store collaborators.
type Options struct {
	Emitter progress.Emitter
	Clock   clock.Clock
	Logger  *zap.Logger
	// SessionID is stamped on emitted events; see SetSessionID.
	SessionID string
}

// Store owns the current Job. All methods are safe for concurrent use.
type Store struct {
	creator JobCreator
	emitter progress.Emitter
	clock   clock.Clock
	logger  *zap.Logger

	// notifyMu serializes a swap with the notifications it triggers so
	// subscribers observe writes in order.
	notifyMu sync.Mutex

	mu         sync.RWMutex
	current    job.Job
	generation uint64
	sessionID  string
	subs       map[int]func(job.Job)
	nextSub    int
}

// New builds a Store in the idle state.
func New(creator JobCreator, opts Options) *Store {
	if opts.Emitter == nil {
		opts.Emitter = progress.Discard
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		creator:   creator,
		emitter:   opts.Emitter,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("jobstate"),
		current:   job.Idle(),
		sessionID: opts.SessionID,
		subs:      make(map[int]func(job.Job)),
	}
}

// SetSessionID changes the session stamped on subsequent events.
func (s *Store) SetSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// Begin returns the generation a later Submit is bound to. A Reset after
// Begin makes that Submit discard its job.
func (s *Store) Begin() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Submit asks the backend to crawl target. On success the Store adopts a
// processing Job with the returned identifier, unless the Store was reset
// since gen was taken from Begin. The caller must not start polling when an
// error is returned.
func (s *Store) Submit(ctx context.Context, target string, gen uint64) (string, error) {
	jobID, err := s.creator.CreateJob(ctx, target)
	if err != nil {
		var subErr *job.SubmissionError
		if !errors.As(err, &subErr) {
			err = &job.SubmissionError{URL: target, Err: err}
		}
		s.emit(progress.Event{Stage: progress.StageSubmitFailed, URL: target, StatusCode: statusOf(err), Note: err.Error()})
		return "", err
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Info("discarding job created after reset", zap.String("job_id", jobID), zap.String("url", target))
		s.emit(progress.Event{Stage: progress.StageAbandoned, JobID: jobID, URL: target, Note: "reset during submission"})
		return "", fmt.Errorf("job %s: %w", jobID, ErrSubmissionAbandoned)
	}
	s.current = job.Job{ID: jobID, Phase: job.PhaseProcessing, SourceURL: target}
	snapshot, subs := s.current.Clone(), s.subscribersLocked()
	s.mu.Unlock()

	s.logger.Info("job submitted", zap.String("job_id", jobID), zap.String("url", target))
	s.emit(progress.Event{Stage: progress.StageSubmitted, JobID: jobID, URL: target})
	notify(subs, snapshot)
	return jobID, nil
}

// Apply swaps the current Job for the one described by snap. Snapshots for a
// job other than the active one are discarded with job.ErrStaleSnapshot;
// snapshots that would move the phase backwards or out of a terminal phase
// are discarded with job.ErrPhaseRegression. Neither changes state.
func (s *Store) Apply(snap job.Snapshot) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	prev := s.current
	if prev.ID == "" || snap.JobID != prev.ID {
		s.mu.Unlock()
		s.logger.Debug("stale snapshot ignored",
			zap.String("snapshot_job_id", snap.JobID),
			zap.String("active_job_id", prev.ID),
		)
		s.emit(progress.Event{Stage: progress.StageStale, JobID: snap.JobID, Note: "active job " + prev.ID})
		return job.ErrStaleSnapshot
	}
	if err := checkTransition(prev.Phase, snap.Status); err != nil {
		s.mu.Unlock()
		s.logger.Warn("snapshot rejected",
			zap.String("job_id", snap.JobID),
			zap.String("from", string(prev.Phase)),
			zap.String("to", string(snap.Status)),
		)
		return err
	}
	next := build(prev, snap)
	s.current = next
	snapshot, subs := next.Clone(), s.subscribersLocked()
	s.mu.Unlock()

	s.emit(progress.Event{
		Stage:    progress.StageSnapshot,
		JobID:    next.ID,
		URL:      next.SourceURL,
		Pages:    len(next.Pages),
		Rendered: next.RenderedCount(),
		Note:     string(next.Phase),
	})
	notify(subs, snapshot)
	return nil
}

// Reset discards the current Job. Snapshots and submissions that were in
// flight before the reset are discarded when they land.
func (s *Store) Reset() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.generation++
	s.current = job.Idle()
	snapshot, subs := s.current.Clone(), s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, snapshot)
}

// Current returns a deep copy of the current Job.
func (s *Store) Current() job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Subscribe registers fn to receive every new Job value in write order. fn
// runs on the writer's goroutine and must not call Submit, Apply, or Reset.
func (s *Store) Subscribe(fn func(job.Job)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) subscribersLocked() []func(job.Job) {
	out := make([]func(job.Job), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (s *Store) emit(evt progress.Event) {
	s.mu.RLock()
	evt.SessionID = s.sessionID
	s.mu.RUnlock()
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

func notify(subs []func(job.Job), j job.Job) {
	for _, fn := range subs {
		fn(j.Clone())
	}
}

func checkTransition(from, to job.Phase) error {
	if !to.Valid() || to == job.PhaseIdle {
		return fmt.Errorf("%w: %s -> %s", job.ErrPhaseRegression, from, to)
	}
	if from.IsTerminal() && to != from {
		return fmt.Errorf("%w: %s -> %s", job.ErrPhaseRegression, from, to)
	}
	if to.Rank() < from.Rank() {
		return fmt.Errorf("%w: %s -> %s", job.ErrPhaseRegression, from, to)
	}
	return nil
}

// build derives the next Job. Pages are replaced wholesale when the payload
// carried them and carried forward otherwise.
func build(prev job.Job, snap job.Snapshot) job.Job {
	next := job.Job{
		ID:            prev.ID,
		Phase:         snap.Status,
		SourceURL:     prev.SourceURL,
		Pages:         prev.Pages,
		TotalPages:    snap.TotalPages,
		MergedPDFPath: snap.MergedPDFPath,
		ZipPath:       snap.ZipPath,
		Error:         snap.Error,
	}
	if snap.SourceURL != "" {
		next.SourceURL = snap.SourceURL
	}
	if snap.PagesPresent {
		next.Pages = append([]job.Page(nil), snap.Pages...)
	}
	if next.Phase != job.PhaseFailed {
		next.Error = ""
	}
	return next.Clone()
}

func statusOf(err error) int {
	var subErr *job.SubmissionError
	if errors.As(err, &subErr) {
		return subErr.StatusCode
	}
	return 0
}
