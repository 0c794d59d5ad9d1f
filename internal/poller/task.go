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
	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/progress"
)

// Task is the handle of one poll loop.
type Task struct {
	jobID      string
	sessionID  string
	client     StatusClient
	applier    SnapshotApplier
	interval   time.Duration
	clock      clock.Clock
	backoff    *backoff.ExponentialBackOff
	emitter    progress.Emitter
	logger     *zap.Logger
	onTerminal func(Outcome)

	stopOnce sync.Once
	// done closes when the task stops for any reason.
	done chan struct{}
	// finished closes when the loop goroutine has returned.
	finished chan struct{}
}

type fetchResult struct {
	snap job.Snapshot
	err  error
	dur  time.Duration
}

// JobID returns the polled job.
func (t *Task) JobID() string {
	return t.jobID
}

// Stop ends the loop. No further ticks fire; a request already in flight is
// not cancelled and its response is still handed to the store, which
// discards it if the job is no longer active. Stop is idempotent and does not
// wait for the loop to exit.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// Done closes once the loop goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.finished
}

func (t *Task) alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Task) run(ctx context.Context) {
	defer close(t.finished)

	started := t.clock.Now()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	results := make(chan fetchResult)
	inFlight := false
	failing := false
	var holdUntil time.Time

	fire := func() {
		inFlight = true
		go t.fetch(ctx, results)
	}
	fire()

	for {
		select {
		case <-t.done:
			t.logger.Debug("poll task stopped")
			return
		case <-ctx.Done():
			t.abort(fmt.Errorf("poll job %s: %w", t.jobID, ctx.Err()))
			return
		case <-ticker.C:
			if inFlight {
				t.emit(progress.Event{Stage: progress.StagePollSkipped})
				continue
			}
			if !holdUntil.IsZero() && t.clock.Now().Before(holdUntil) {
				continue
			}
			fire()
		case res := <-results:
			inFlight = false
			if res.err != nil {
				if !failing {
					failing = true
					t.backoff.Reset()
				}
				wait := t.backoff.NextBackOff()
				t.logger.Warn("status poll failed", zap.Error(res.err), zap.Duration("retry_in", wait))
				t.emit(progress.Event{
					Stage:      progress.StagePollError,
					StatusCode: statusCode(res.err),
					Dur:        res.dur,
					Note:       res.err.Error(),
				})
				if wait == backoff.Stop {
					t.finish(Outcome{JobID: t.jobID, Err: errors.Join(job.ErrPollGaveUp, res.err)},
						progress.Event{Stage: progress.StagePollGaveUp, Dur: t.clock.Now().Sub(started), Note: res.err.Error()})
					return
				}
				holdUntil = t.clock.Now().Add(wait)
				continue
			}
			failing = false
			holdUntil = time.Time{}

			if err := t.applier.Apply(res.snap); err != nil {
				if errors.Is(err, job.ErrStaleSnapshot) {
					t.abort(fmt.Errorf("poll job %s: %w", t.jobID, err))
					return
				}
				t.logger.Warn("snapshot not applied", zap.Error(err))
				continue
			}
			if res.snap.Status.IsTerminal() {
				out := Outcome{JobID: t.jobID, Phase: res.snap.Status}
				evt := progress.Event{Stage: progress.StageJobDone, Dur: t.clock.Now().Sub(started)}
				if res.snap.Status == job.PhaseFailed {
					out.Message = res.snap.Error
					evt.Stage = progress.StageJobError
					evt.Note = res.snap.Error
				}
				t.finish(out, evt)
				return
			}
		}
	}
}

// fetch runs one request. If the loop has gone away by the time the response
// lands, the snapshot is applied directly so the store's job check decides
// whether it still matters.
func (t *Task) fetch(ctx context.Context, results chan<- fetchResult) {
	begin := t.clock.Now()
	snap, err := t.client.JobStatus(ctx, t.jobID)
	if err == nil {
		snap.JobID = t.jobID
	}
	res := fetchResult{snap: snap, err: err, dur: max(0, t.clock.Now().Sub(begin))}
	select {
	case results <- res:
	case <-t.finished:
		t.late(res)
	}
}

func (t *Task) late(res fetchResult) {
	if res.err != nil {
		return
	}
	if err := t.applier.Apply(res.snap); err != nil {
		t.logger.Debug("late snapshot discarded", zap.Error(err))
	}
}

func (t *Task) finish(out Outcome, evt progress.Event) {
	t.Stop()
	if out.Err != nil {
		t.logger.Warn("status polling gave up", zap.Error(out.Err))
	} else {
		t.logger.Info("job reached terminal phase", zap.String("phase", string(out.Phase)))
	}
	t.emit(evt)
	t.onTerminal(out)
}

// abort ends a loop that stopped without a terminal phase. Nothing is
// reported when Stop already ran.
func (t *Task) abort(err error) {
	if !t.alive() {
		return
	}
	t.Stop()
	t.logger.Info("poll task ended early", zap.Error(err))
	t.onTerminal(Outcome{JobID: t.jobID, Err: err})
}

func (t *Task) emit(evt progress.Event) {
	evt.SessionID = t.sessionID
	evt.JobID = t.jobID
	evt.TS = t.clock.Now()
	if evt.Dur < 0 {
		evt.Dur = 0
	}
	t.emitter.Emit(evt)
}

func statusCode(err error) int {
	var pollErr *job.PollTransportError
	if errors.As(err, &pollErr) {
		return pollErr.StatusCode
	}
	return 0
}
