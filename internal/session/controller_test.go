package session

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/backend"
	"github.com/JakeFAU/sitepdf-client/internal/backend/backendtest"
	"github.com/JakeFAU/sitepdf-client/internal/id/uuid"
	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/jobstate"
	"github.com/JakeFAU/sitepdf-client/internal/pageview"
	"github.com/JakeFAU/sitepdf-client/internal/poller"
	"github.com/JakeFAU/sitepdf-client/internal/progress"
)

type env struct {
	srv    *backendtest.Server
	client *backend.Client
	store  *jobstate.Store
	view   *pageview.Model
	poller *poller.Poller
	ctrl   *Controller
}

func newEnv(t *testing.T, creator jobstate.JobCreator) *env {
	t.Helper()
	return newEnvWithOptions(t, creator, Options{})
}

func newEnvWithOptions(t *testing.T, creator jobstate.JobCreator, opts Options) *env {
	t.Helper()
	srv := backendtest.New(t)
	client, err := backend.New(backend.Config{BaseURL: srv.URL(), Timeout: 5 * time.Second, SubmitAttempts: 1}, zap.NewNop())
	require.NoError(t, err)
	if creator == nil {
		creator = client
	}
	store := jobstate.New(creator, jobstate.Options{})
	view := pageview.New()
	p := poller.New(client, store, poller.Config{
		Interval:           10 * time.Millisecond,
		BackoffInitial:     5 * time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		MaxFailureDuration: time.Minute,
	}, nil, zap.NewNop())
	ctrl, err := New(Deps{
		Store:    store,
		Poller:   p,
		View:     view,
		Resolver: client,
		IDs:      uuid.NewSequence("s1", "s2", "s3"),
	}, opts)
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	return &env{srv: srv, client: client, store: store, view: view, poller: p, ctrl: ctrl}
}

func waitFinal(t *testing.T, ctrl *Controller) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := ctrl.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestCrawlToCompletion(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.srv.QueueJobIDs("j1")
	e.srv.Script("j1",
		backendtest.OK(backendtest.WithPages(backendtest.Status("processing"), backendtest.Page("https://example.com/a"))),
		backendtest.OK(backendtest.WithPages(backendtest.Status("processing"),
			map[string]any{"url": "https://example.com/a", "pdf_path": "files/a.pdf"})),
		backendtest.OK(map[string]any{
			"status":          "completed",
			"merged_pdf_path": "files/merged.pdf",
			"zip_path":        "files/all.zip",
			"total_pages":     1,
		}),
	)

	var mu sync.Mutex
	var seen []pageview.Stats
	var states []State
	e.ctrl.Subscribe(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.view.Stats())
		states = append(states, st.State)
	})

	require.Empty(t, e.ctrl.Downloads())
	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "  https://example.com "))
	st := waitFinal(t, e.ctrl)

	require.Equal(t, StateDone, st.State)
	require.Equal(t, "s1", st.SessionID)
	require.NoError(t, st.Err)
	require.Equal(t, "j1", st.Job.ID)
	require.Equal(t, []string{"https://example.com"}, e.srv.Submissions())

	mu.Lock()
	require.Contains(t, seen, pageview.Stats{PagesFound: 1})
	require.Contains(t, seen, pageview.Stats{PagesFound: 1, PDFsGenerated: 1, Progress: 100})
	require.Equal(t, StateSubmitting, states[0])
	require.Equal(t, StateDone, states[len(states)-1])
	mu.Unlock()

	downloads := e.ctrl.Downloads()
	require.Equal(t, []job.Artifact{
		{Kind: job.ArtifactMergedPDF, Path: "files/merged.pdf", URL: e.srv.URL() + "/files/merged.pdf"},
		{Kind: job.ArtifactArchive, Path: "files/all.zip", URL: e.srv.URL() + "/files/all.zip"},
	}, downloads)
	pagesDL := e.ctrl.PageDownloads()
	require.Len(t, pagesDL, 1)
	require.Equal(t, e.srv.URL()+"/files/a.pdf", pagesDL[0].URL)

	page, ok := e.view.Selected()
	require.True(t, ok)
	require.Equal(t, "https://example.com/a", page.URL)

	calls := e.srv.StatusCalls("j1")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, calls, e.srv.StatusCalls("j1"))
}

func TestCrawlFailedJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.srv.QueueJobIDs("j1")
	e.srv.Script("j1", backendtest.OK(map[string]any{"status": "failed", "error": "timeout"}))

	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://example.com"))
	st := waitFinal(t, e.ctrl)

	require.Equal(t, StateFailed, st.State)
	require.EqualError(t, st.Err, "timeout")
	var failed *job.JobFailedError
	require.ErrorAs(t, st.Err, &failed)
	require.Equal(t, "j1", failed.JobID)
	require.Empty(t, st.Downloads)
	require.Empty(t, e.ctrl.Downloads())
	require.Equal(t, job.PhaseFailed, st.Job.Phase)
}

func TestSubmissionFailureReturnsToNoJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.srv.FailSubmissions(backendtest.Reply{
		Code: http.StatusUnprocessableEntity,
		Body: map[string]string{"detail": "unreachable"},
	})

	err := e.ctrl.StartCrawl(context.Background(), "https://example.com")
	var subErr *job.SubmissionError
	require.ErrorAs(t, err, &subErr)

	st := e.ctrl.Status()
	require.Equal(t, StateNoJob, st.State)
	require.ErrorAs(t, st.Err, &subErr)
	require.Equal(t, job.PhaseIdle, st.Job.Phase)
	require.False(t, e.poller.Running())

	// Wait does not hang after a failed submission.
	final := waitFinal(t, e.ctrl)
	require.Equal(t, StateNoJob, final.State)

	// The next attempt succeeds and clears the previous error.
	e.srv.QueueJobIDs("j2")
	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://example.com"))
	require.NoError(t, e.ctrl.Status().Err)
}

func TestStartCrawlRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	for _, raw := range []string{"", "   ", "example.com", "ftp://example.com", "https://"} {
		require.ErrorIs(t, e.ctrl.StartCrawl(context.Background(), raw), ErrInvalidURL, raw)
	}
	require.Empty(t, e.srv.Submissions())
	require.Equal(t, StateNoJob, e.ctrl.Status().State)
}

func TestStartCrawlRejectsReentry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.srv.QueueJobIDs("j1")
	release := e.srv.Hold("j1")
	defer release()

	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://example.com"))
	require.Equal(t, StatePolling, e.ctrl.Status().State)
	require.ErrorIs(t, e.ctrl.StartCrawl(context.Background(), "https://other.example.com"), ErrBusy)
	require.Len(t, e.srv.Submissions(), 1)
}

func TestStartNewCycleMidProcessing(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.srv.QueueJobIDs("j1")
	e.srv.Script("j1",
		backendtest.OK(backendtest.WithPages(backendtest.Status("processing"),
			backendtest.Page("https://example.com/a"), backendtest.Page("https://example.com/b"))),
	)
	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://example.com"))
	require.Eventually(t, func() bool {
		return len(e.store.Current().Pages) == 2
	}, 2*time.Second, 5*time.Millisecond)
	e.view.SetFilter("b")

	e.ctrl.StartNewCycle()

	st := e.ctrl.Status()
	require.Equal(t, StateNoJob, st.State)
	require.Empty(t, st.SessionID)
	require.Equal(t, job.Idle(), st.Job)
	require.Empty(t, e.view.Filter())
	require.Empty(t, e.view.Filtered())
	_, ok := e.view.Selected()
	require.False(t, ok)
	require.False(t, e.poller.Running())

	// Late poll results for j1 never resurrect it.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, job.Idle(), e.store.Current())

	// Safe to call again in any state.
	e.ctrl.StartNewCycle()
	require.Equal(t, StateNoJob, e.ctrl.Status().State)
}

func TestStartCrawlAfterDoneStartsFreshSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.srv.QueueJobIDs("j1", "j2")
	e.srv.Script("j1", backendtest.OK(backendtest.WithPages(backendtest.Status("completed"), backendtest.Page("https://a.example.com/x"))))
	e.srv.Script("j2", backendtest.OK(backendtest.Status("failed")))

	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://a.example.com"))
	first := waitFinal(t, e.ctrl)
	require.Equal(t, StateDone, first.State)
	require.Equal(t, "s1", first.SessionID)

	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://b.example.com"))
	second := waitFinal(t, e.ctrl)
	require.Equal(t, StateFailed, second.State)
	require.Equal(t, "s2", second.SessionID)
	require.Equal(t, "j2", second.Job.ID)
	require.EqualError(t, second.Err, "job failed")
	require.Empty(t, second.Job.Pages, "pages of the previous job are discarded")
}

type gatedCreator struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCreator) CreateJob(ctx context.Context, _ string) (string, error) {
	close(g.entered)
	select {
	case <-g.release:
		return "j-late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestStartNewCycleAbandonsSubmission(t *testing.T) {
	t.Parallel()

	creator := &gatedCreator{entered: make(chan struct{}), release: make(chan struct{})}
	e := newEnv(t, creator)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.ctrl.StartCrawl(context.Background(), "https://example.com")
	}()
	<-creator.entered
	require.Equal(t, StateSubmitting, e.ctrl.Status().State)

	e.ctrl.StartNewCycle()
	close(creator.release)

	err := <-errCh
	require.ErrorIs(t, err, ErrAbandoned)
	require.ErrorIs(t, err, jobstate.ErrSubmissionAbandoned)
	require.Equal(t, StateNoJob, e.ctrl.Status().State)
	require.Equal(t, job.Idle(), e.store.Current())
	require.False(t, e.poller.Running())
}

type fixedCreator map[string]string

func (c fixedCreator) CreateJob(_ context.Context, target string) (string, error) {
	return c[target], nil
}

func TestNewCycleDuringSubmittingPublishDropsOldJob(t *testing.T) {
	t.Parallel()

	e := newEnv(t, fixedCreator{"https://one.example": "j1", "https://two.example": "j2"})
	e.srv.Script("j2",
		backendtest.OK(backendtest.Status("processing")),
		backendtest.OK(backendtest.Status("processing")),
		backendtest.OK(backendtest.Status("completed")),
	)

	blocked := make(chan struct{})
	unblock := make(chan struct{})
	var held atomic.Bool
	e.ctrl.Subscribe(func(st Status) {
		if st.State == StateSubmitting && held.CompareAndSwap(false, true) {
			close(blocked)
			<-unblock
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.ctrl.StartCrawl(context.Background(), "https://one.example")
	}()
	<-blocked

	e.ctrl.StartNewCycle()
	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://two.example"))
	close(unblock)

	err := <-errCh
	require.ErrorIs(t, err, ErrAbandoned)
	require.ErrorIs(t, err, jobstate.ErrSubmissionAbandoned)
	require.Equal(t, "j2", e.store.Current().ID)

	st := waitFinal(t, e.ctrl)
	require.Equal(t, StateDone, st.State)
	require.Equal(t, "j2", st.Job.ID)
	require.Equal(t, "https://two.example", st.Job.SourceURL)
	require.Zero(t, e.srv.StatusCalls("j1"))
}

func TestBaseContextCancelEndsPolling(t *testing.T) {
	t.Parallel()

	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnvWithOptions(t, nil, Options{BaseContext: base})
	e.srv.QueueJobIDs("j1")
	release := e.srv.Hold("j1")
	defer release()

	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://example.com"))
	require.Eventually(t, func() bool { return e.srv.StatusCalls("j1") == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StatePolling, e.ctrl.Status().State)
	cancel()

	st := waitFinal(t, e.ctrl)
	require.Equal(t, StateFailed, st.State)
	require.ErrorIs(t, st.Err, context.Canceled)
	require.False(t, e.poller.Running())
}

func TestPollGiveUpFailsSession(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(t)
	client, err := backend.New(backend.Config{BaseURL: srv.URL(), SubmitAttempts: 1}, nil)
	require.NoError(t, err)
	store := jobstate.New(client, jobstate.Options{})
	rec := &stageRecorder{}
	p := poller.New(client, store, poller.Config{
		Interval:           2 * time.Millisecond,
		BackoffInitial:     2 * time.Millisecond,
		BackoffMax:         4 * time.Millisecond,
		MaxFailureDuration: 30 * time.Millisecond,
	}, rec, nil)
	ctrl, err := New(Deps{Store: store, Poller: p, Resolver: client, IDs: uuid.New()}, Options{Emitter: rec})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	srv.QueueJobIDs("j1")
	srv.Script("j1", backendtest.Reply{Code: http.StatusBadGateway})
	require.NoError(t, ctrl.StartCrawl(context.Background(), "https://example.com"))

	st := waitFinal(t, ctrl)
	require.Equal(t, StateFailed, st.State)
	require.ErrorIs(t, st.Err, job.ErrPollGaveUp)
	require.Equal(t, job.PhaseProcessing, st.Job.Phase)
	require.Positive(t, rec.count(progress.StagePollGaveUp))
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	e := newEnv(t, nil)
	e.srv.QueueJobIDs("j1")
	require.NoError(t, e.ctrl.StartCrawl(context.Background(), "https://example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	st, err := e.ctrl.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StatePolling, st.State)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Options{})
	require.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	got, err := ValidateURL(" https://example.com/docs ")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs", got)

	_, err = ValidateURL("mailto:someone@example.com")
	require.ErrorIs(t, err, ErrInvalidURL)
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (r *stageRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, evt.Stage)
}

func (r *stageRecorder) count(stage progress.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.stages {
		if s == stage {
			n++
		}
	}
	return n
}
