package job

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleSnapshot signals a snapshot for a job that is no longer active.
	ErrStaleSnapshot = errors.New("stale snapshot ignored")
	// ErrPhaseRegression signals a snapshot that would move the phase backwards.
	ErrPhaseRegression = errors.New("phase regression rejected")
	// ErrPollGaveUp signals that status polling exhausted its failure budget.
	ErrPollGaveUp = errors.New("status polling gave up")
)

// SubmissionError reports that job creation failed; no job exists afterwards.
type SubmissionError struct {
	URL string
	// StatusCode is zero for network failures.
	StatusCode int
	// Detail carries the backend's rejection message, if any.
	Detail string
	Err    error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("submit crawl for %s: backend returned %d: %s", e.URL, e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("submit crawl for %s: backend returned %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("submit crawl for %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("submit crawl for %s: failed", e.URL)
	}
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// PollTransportError reports a single failed status fetch. It is transient.
type PollTransportError struct {
	JobID      string
	StatusCode int
	Err        error
}

func (e *PollTransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("poll status for job %s: backend returned %d", e.JobID, e.StatusCode)
	}
	return fmt.Sprintf("poll status for job %s: %v", e.JobID, e.Err)
}

func (e *PollTransportError) Unwrap() error {
	return e.Err
}

// JobFailedError carries the backend-reported failure of a job.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return e.Message
}
