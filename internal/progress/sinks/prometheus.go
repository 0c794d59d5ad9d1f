package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitepdf-client/internal/progress"
)

// PrometheusSink exports session progress as Prometheus collectors: submission
// results, poll health, and job outcomes.
type PrometheusSink struct {
	submissions      *prometheus.CounterVec
	snapshotsApplied prometheus.Counter
	pollErrors       prometheus.Counter
	pollSkipped      prometheus.Counter
	staleSnapshots   prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	jobsActive       prometheus.Gauge
	jobDuration      *prometheus.HistogramVec
	pagesDiscovered  prometheus.Gauge

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against reg, or the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepdf_submissions_total",
			Help: "Crawl submissions partitioned by result.",
		}, []string{"result"}),
		snapshotsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepdf_snapshots_applied_total",
			Help: "Status snapshots applied to the job state.",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepdf_poll_errors_total",
			Help: "Status polls that failed in transport or decoding.",
		}),
		pollSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepdf_poll_ticks_skipped_total",
			Help: "Poll ticks skipped because a request was still in flight.",
		}),
		staleSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitepdf_stale_snapshots_total",
			Help: "Snapshots discarded because they belonged to an abandoned job.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitepdf_jobs_finished_total",
			Help: "Jobs that left the active state partitioned by result.",
		}, []string{"result"}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitepdf_jobs_active",
			Help: "Jobs currently being polled.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitepdf_job_duration_seconds",
			Help:    "Time from submission to a terminal outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		pagesDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitepdf_pages_discovered",
			Help: "Pages reported by the most recent snapshot.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.submissions,
		s.snapshotsApplied,
		s.pollErrors,
		s.pollSkipped,
		s.staleSnapshots,
		s.jobsFinished,
		s.jobsActive,
		s.jobDuration,
		s.pagesDiscovered,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSubmitted:
		s.submissions.WithLabelValues("accepted").Inc()
		if s.tracker.start(evt.JobID, evt.TS) {
			s.jobsActive.Inc()
		}
	case progress.StageSubmitFailed:
		s.submissions.WithLabelValues("rejected").Inc()
	case progress.StageSnapshot:
		s.snapshotsApplied.Inc()
		s.pagesDiscovered.Set(float64(evt.Pages))
	case progress.StagePollError:
		s.pollErrors.Inc()
	case progress.StagePollSkipped:
		s.pollSkipped.Inc()
	case progress.StageStale:
		s.staleSnapshots.Inc()
	case progress.StageJobDone:
		s.finish(evt, "completed")
	case progress.StageJobError:
		s.finish(evt, "failed")
	case progress.StagePollGaveUp:
		s.finish(evt, "gave_up")
	case progress.StageAbandoned:
		s.finish(evt, "abandoned")
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	started, ok := s.tracker.complete(evt.JobID)
	if !ok {
		return
	}
	s.jobsActive.Dec()
	s.jobsFinished.WithLabelValues(result).Inc()
	dur := evt.Dur
	if dur <= 0 && !started.IsZero() {
		dur = evt.TS.Sub(started)
	}
	if dur > 0 {
		s.jobDuration.WithLabelValues(result).Observe(dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker remembers active jobs so a job is counted as finished once even
// when both a terminal status and an abandonment are reported for it.
type jobTracker struct {
	mu     sync.Mutex
	active map[string]time.Time
}

func newJobTracker() *jobTracker {
	return &jobTracker{active: make(map[string]time.Time)}
}

func (t *jobTracker) start(id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = at
	return true
}

func (t *jobTracker) complete(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.active[id]
	if !ok {
		return time.Time{}, false
	}
	delete(t.active, id)
	return started, true
}
