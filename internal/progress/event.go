package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSubmitted    Stage = "JOB_SUBMITTED"
	StageSubmitFailed Stage = "SUBMIT_FAILED"
	StageSnapshot     Stage = "SNAPSHOT_APPLIED"
	StagePollError    Stage = "POLL_ERROR"
	StagePollSkipped  Stage = "POLL_SKIPPED"
	StageStale        Stage = "STALE_SNAPSHOT"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
	StagePollGaveUp   Stage = "POLL_GAVE_UP"
	StageAbandoned    Stage = "JOB_ABANDONED"
)

// Event captures a single step of a session's progress.
type Event struct {
	// SessionID identifies the client cycle that produced the event.
	SessionID string
	// JobID is the backend job identifier; empty only for failed submissions.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// URL is the submitted site URL, when known.
	URL string
	// Pages and Rendered describe the applied snapshot.
	Pages    int
	Rendered int
	// StatusCode carries the HTTP status of a failed request, if any.
	StatusCode int
	// Dur is the request latency for polls and the job runtime for terminal stages.
	Dur time.Duration
	// Note attaches low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSubmitFailed:
	case StageSubmitted, StageSnapshot, StagePollError, StagePollSkipped, StageStale,
		StageJobDone, StageJobError, StagePollGaveUp, StageAbandoned:
		if e.JobID == "" {
			return fmt.Errorf("stage %s requires job id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Rendered > e.Pages {
		return errors.New("rendered pages exceed known pages")
	}
	return nil
}

// Terminal reports whether the stage ends a job from the client's perspective.
func (s Stage) Terminal() bool {
	switch s {
	case StageJobDone, StageJobError, StagePollGaveUp, StageAbandoned:
		return true
	default:
		return false
	}
}
