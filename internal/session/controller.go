// Package session orchestrates one crawl cycle at a time: it submits the job,
// binds the poller to the returned identifier, and tears everything down when
// the user starts over. It is the only component allowed to start a job.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/clock"
	"github.com/JakeFAU/sitepdf-client/internal/clock/system"
	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/poller"
	"github.com/JakeFAU/sitepdf-client/internal/progress"
)

var (
	// ErrBusy is returned by StartCrawl while a job is being submitted or polled.
	ErrBusy = errors.New("a crawl is already in progress")
	// ErrInvalidURL is returned for empty or non-http(s) input.
	ErrInvalidURL = errors.New("invalid url")
	// ErrAbandoned is returned by StartCrawl when StartNewCycle ran during submission.
	ErrAbandoned = errors.New("crawl abandoned")
)

// State is the user-facing lifecycle of a session.
type State string

// Session states.
const (
	StateNoJob      State = "no_job"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Active reports whether a submission or poll is underway.
func (s State) Active() bool {
	return s == StateSubmitting || s == StatePolling
}

// JobStore is the authoritative job state.
type JobStore interface {
	Begin() uint64
	Submit(ctx context.Context, target string, gen uint64) (string, error)
	Reset()
	Current() job.Job
	Subscribe(fn func(job.Job)) (cancel func())
	SetSessionID(id string)
}

// Poller runs the status loop for one job at a time.
type Poller interface {
	Start(ctx context.Context, jobID string, onTerminal func(poller.Outcome)) (*poller.Task, error)
	Stop()
	SetSessionID(id string)
}

// View receives job updates and is cleared on a new cycle.
type View interface {
	Update(j job.Job)
	Reset()
}

// ArtifactResolver maps server-relative paths to absolute URLs.
type ArtifactResolver interface {
	ResolveArtifact(path string) string
}

// IDGenerator issues session identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Status is a point-in-time view of the session for presenters.
type Status struct {
	State     State
	SessionID string
	Job       job.Job
	// Err is the user-visible error of the last submission or terminal failure.
	Err error
	// Downloads lists resolved merged PDF and archive links once Done.
	Downloads []job.Artifact
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Store    JobStore
	Poller   Poller
	View     View
	Resolver ArtifactResolver
	IDs      IDGenerator
}

// Options holds optional Controller settings.
type Options struct {
	// BaseContext bounds poll requests; it outlives individual StartCrawl calls.
	BaseContext context.Context
	Emitter     progress.Emitter
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Controller is safe for concurrent use.
type Controller struct {
	deps    Deps
	baseCtx context.Context
	emitter progress.Emitter
	clock   clock.Clock
	logger  *zap.Logger

	// cycleMu serializes lifecycle transitions.
	cycleMu sync.Mutex

	mu        sync.Mutex
	state     State
	sessionID string
	jobID     string
	cycle     uint64
	err       error
	done      chan struct{}
	subs      map[int]func(Status)
	nextSub   int

	unsubscribe func()
}

// New wires the view and the controller's own observers to the store.
func New(deps Deps, opts Options) (*Controller, error) {
	if deps.Store == nil || deps.Poller == nil || deps.Resolver == nil || deps.IDs == nil {
		return nil, errors.New("session: store, poller, resolver and id generator are required")
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Emitter == nil {
		opts.Emitter = progress.Discard
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Controller{
		deps:    deps,
		baseCtx: opts.BaseContext,
		emitter: opts.Emitter,
		clock:   opts.Clock,
		logger:  opts.Logger.Named("session"),
		state:   StateNoJob,
		subs:    make(map[int]func(Status)),
	}
	var cancels []func()
	if deps.View != nil {
		cancels = append(cancels, deps.Store.Subscribe(deps.View.Update))
	}
	cancels = append(cancels, deps.Store.Subscribe(func(job.Job) { c.publish() }))
	c.unsubscribe = func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
	return c, nil
}

// StartCrawl validates raw, submits it, and starts polling the new job. A
// finished job is discarded first. On failure the session returns to NoJob and
// the error is also reported by Status.
func (c *Controller) StartCrawl(ctx context.Context, raw string) error {
	target, err := ValidateURL(raw)
	if err != nil {
		return err
	}

	c.cycleMu.Lock()
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state.Active() {
		c.cycleMu.Unlock()
		return ErrBusy
	}
	if state != StateNoJob {
		c.clear()
	}
	sessionID, err := c.deps.IDs.NewID()
	if err != nil {
		c.cycleMu.Unlock()
		return fmt.Errorf("new session id: %w", err)
	}
	c.deps.Store.SetSessionID(sessionID)
	c.deps.Poller.SetSessionID(sessionID)
	// Taken under cycleMu so a StartNewCycle after this point always
	// invalidates the submission.
	gen := c.deps.Store.Begin()
	c.mu.Lock()
	c.cycle++
	cycle := c.cycle
	c.state = StateSubmitting
	c.sessionID = sessionID
	c.jobID = ""
	c.err = nil
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.cycleMu.Unlock()
	c.publish()

	c.logger.Info("submitting crawl", zap.String("session_id", sessionID), zap.String("url", target))
	jobID, err := c.deps.Store.Submit(ctx, target, gen)

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	c.mu.Lock()
	if c.cycle != cycle {
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAbandoned, err)
		}
		// Adopted before the cycle moved on; clear already reset the store.
		return ErrAbandoned
	}
	if err != nil {
		c.state = StateNoJob
		c.err = err
		closeOnce(c.done)
		c.mu.Unlock()
		c.logger.Warn("crawl submission failed", zap.String("url", target), zap.Error(err))
		c.publish()
		return err
	}
	c.jobID = jobID
	c.state = StatePolling
	c.mu.Unlock()

	if _, err := c.deps.Poller.Start(c.baseCtx, jobID, c.terminalHandler(cycle)); err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.err = fmt.Errorf("start polling job %s: %w", jobID, err)
		closeOnce(c.done)
		c.mu.Unlock()
		c.publish()
		return err
	}
	c.publish()
	return nil
}

func (c *Controller) terminalHandler(cycle uint64) func(poller.Outcome) {
	return func(out poller.Outcome) {
		c.mu.Lock()
		if c.cycle != cycle || c.state != StatePolling {
			c.mu.Unlock()
			return
		}
		switch {
		case out.Err != nil:
			c.state = StateFailed
			c.err = out.Err
		case out.Phase == job.PhaseFailed:
			c.state = StateFailed
			c.err = &job.JobFailedError{JobID: out.JobID, Message: out.Message}
		default:
			c.state = StateDone
		}
		state, done := c.state, c.done
		c.mu.Unlock()

		c.logger.Info("crawl finished", zap.String("job_id", out.JobID), zap.String("state", string(state)))
		// Observers see the final state before Wait returns.
		c.publish()
		c.mu.Lock()
		closeOnce(done)
		c.mu.Unlock()
	}
}

// closeOnce requires c.mu; both terminal delivery and clear may race to close.
func closeOnce(done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		close(done)
	}
}

// StartNewCycle abandons whatever is in progress and returns to NoJob. The
// backend job, if any, is not cancelled server-side.
func (c *Controller) StartNewCycle() {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	c.clear()
	c.publish()
}

// clear requires cycleMu.
func (c *Controller) clear() {
	c.mu.Lock()
	prevState, jobID, sessionID := c.state, c.jobID, c.sessionID
	c.cycle++
	c.state = StateNoJob
	c.sessionID = ""
	c.jobID = ""
	c.err = nil
	closeOnce(c.done)
	c.done = nil
	c.mu.Unlock()

	c.deps.Poller.Stop()
	c.deps.Store.Reset()
	if c.deps.View != nil {
		c.deps.View.Reset()
	}
	if prevState == StatePolling {
		c.logger.Info("abandoning job", zap.String("job_id", jobID))
		c.emitter.Emit(progress.Event{
			SessionID: sessionID,
			JobID:     jobID,
			TS:        c.clock.Now(),
			Stage:     progress.StageAbandoned,
			Note:      "new cycle",
		})
	}
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state, SessionID: c.sessionID, Err: c.err}
	c.mu.Unlock()
	st.Job = c.deps.Store.Current()
	if st.State == StateDone {
		st.Downloads = c.resolve(st.Job.Artifacts())
	}
	return st
}

// Downloads returns the merged PDF and archive links, only once Done.
func (c *Controller) Downloads() []job.Artifact {
	return c.Status().Downloads
}

// PageDownloads returns links to every rendered page PDF known so far.
func (c *Controller) PageDownloads() []job.Artifact {
	return c.resolve(c.deps.Store.Current().PageArtifacts())
}

// Wait blocks until the current session reaches Done or Failed, its
// submission fails, or it is abandoned. With no session it returns at once.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.Status(), ctx.Err()
		}
	}
	return c.Status(), nil
}

// Subscribe registers fn for status changes. fn must not call StartCrawl or
// StartNewCycle synchronously.
func (c *Controller) Subscribe(fn func(Status)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Close stops polling and detaches from the store.
func (c *Controller) Close() {
	c.deps.Poller.Stop()
	c.unsubscribe()
}

func (c *Controller) publish() {
	c.mu.Lock()
	subs := make([]func(Status), 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	st := c.Status()
	for _, fn := range subs {
		fn(st)
	}
}

func (c *Controller) resolve(arts []job.Artifact) []job.Artifact {
	for i := range arts {
		arts[i].URL = c.deps.Resolver.ResolveArtifact(arts[i].Path)
	}
	return arts
}

// ValidateURL trims raw and requires an absolute http or https URL.
func ValidateURL(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidURL)
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q must be an http(s) address", ErrInvalidURL, target)
	}
	return target, nil
}
