// Package backend implements the HTTP boundary with the crawl-to-PDF service:
// job submission, status retrieval, and artifact address resolution.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/policy/ratelimit"
)

const tracerName = "github.com/JakeFAU/sitepdf-client/internal/backend"

const maxErrorBody = 4 << 10

// Config controls Client behavior.
type Config struct {
	BaseURL string
	// Timeout bounds each request; zero defers to the transport default.
	Timeout time.Duration
	// SubmitAttempts bounds retries of job creation on transient failures.
	SubmitAttempts int
	SubmitDelay    time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
	// Limiter paces requests per host; nil disables pacing.
	Limiter *ratelimit.Limiter
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Client talks to the backend over HTTP.
type Client struct {
	base           *url.URL
	http           *http.Client
	submitAttempts uint
	submitDelay    time.Duration
	limiter        *ratelimit.Limiter
	tracer         trace.Tracer
	logger         *zap.Logger
}

// New validates the base address and constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend base url %q must be absolute", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	attempts := cfg.SubmitAttempts
	if attempts <= 0 {
		attempts = 1
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Client{
		base:           base,
		http:           httpClient,
		submitAttempts: uint(attempts),
		submitDelay:    cfg.SubmitDelay,
		limiter:        cfg.Limiter,
		tracer:         tp.Tracer(tracerName),
		logger:         logger,
	}, nil
}

type crawlRequest struct {
	URL string `json:"url"`
}

type crawlResponse struct {
	JobID string `json:"job_id"`
}

type statusResponse struct {
	Status        string      `json:"status"`
	URL           string      `json:"url"`
	Pages         *[]job.Page `json:"pages"`
	TotalPages    *int        `json:"total_pages"`
	MergedPDFPath string      `json:"merged_pdf_path"`
	ZipPath       string      `json:"zip_path"`
	Error         string      `json:"error"`
}

type errorResponse struct {
	Detail any `json:"detail"`
}

// CreateJob submits target for crawling and returns the backend job identifier.
// Transport failures and gateway errors are retried; every failure is a
// *job.SubmissionError.
func (c *Client) CreateJob(ctx context.Context, target string) (_ string, err error) {
	ctx, span := c.tracer.Start(ctx, "backend.CreateJob", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("crawl.url", target)))
	defer func() { endSpan(span, err) }()

	payload, err := json.Marshal(crawlRequest{URL: target})
	if err != nil {
		return "", &job.SubmissionError{URL: target, Err: fmt.Errorf("encode request: %w", err)}
	}

	var jobID string
	attempt := 0
	err = retry.Do(
		func() error {
			attempt++
			id, err := c.postCrawl(ctx, target, payload)
			if err != nil {
				c.logger.Debug("crawl submission attempt failed",
					zap.String("url", target),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return err
			}
			jobID = id
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.submitAttempts),
		retry.Delay(c.submitDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(isRetryableSubmission),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var subErr *job.SubmissionError
		if errors.As(err, &subErr) {
			return "", subErr
		}
		return "", &job.SubmissionError{URL: target, Err: err}
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.Int("submit.attempts", attempt))
	return jobID, nil
}

func (c *Client) postCrawl(ctx context.Context, target string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "crawl"), bytes.NewReader(payload))
	if err != nil {
		return "", &job.SubmissionError{URL: target, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", &job.SubmissionError{URL: target, Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &job.SubmissionError{
			URL:        target,
			StatusCode: resp.StatusCode,
			Detail:     readDetail(resp.Body),
		}
	}
	var out crawlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &job.SubmissionError{URL: target, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(out.JobID) == "" {
		return "", &job.SubmissionError{URL: target, StatusCode: resp.StatusCode, Detail: "response missing job_id"}
	}
	return out.JobID, nil
}

// isRetryableSubmission retries only failures where the backend plausibly never
// accepted the job: connection errors and gateway statuses.
func isRetryableSubmission(err error) bool {
	var subErr *job.SubmissionError
	if !errors.As(err, &subErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch subErr.StatusCode {
	case 0:
		var netErr net.Error
		var opErr *net.OpError
		return errors.As(err, &opErr) || (errors.As(err, &netErr) && !netErr.Timeout())
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// JobStatus fetches one status snapshot for jobID. Every failure is a
// *job.PollTransportError.
func (c *Client) JobStatus(ctx context.Context, jobID string) (_ job.Snapshot, err error) {
	ctx, span := c.tracer.Start(ctx, "backend.JobStatus", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer func() { endSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("api", "status", jobID), nil)
	if err != nil {
		return job.Snapshot{}, &job.PollTransportError{JobID: jobID, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return job.Snapshot{}, &job.PollTransportError{JobID: jobID, Err: err}
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readDetail(resp.Body)
		var cause error
		if detail != "" {
			cause = errors.New(detail)
		}
		return job.Snapshot{}, &job.PollTransportError{JobID: jobID, StatusCode: resp.StatusCode, Err: cause}
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return job.Snapshot{}, &job.PollTransportError{JobID: jobID, Err: fmt.Errorf("decode status: %w", err)}
	}
	snap, err := toSnapshot(jobID, body)
	if err != nil {
		return job.Snapshot{}, &job.PollTransportError{JobID: jobID, Err: err}
	}
	span.SetAttributes(attribute.String("job.phase", string(snap.Status)), attribute.Int("job.pages", len(snap.Pages)))
	return snap, nil
}

func toSnapshot(jobID string, body statusResponse) (job.Snapshot, error) {
	phase := job.Phase(strings.ToLower(strings.TrimSpace(body.Status)))
	switch phase {
	case job.PhaseProcessing, job.PhaseCompleted, job.PhaseFailed:
	default:
		return job.Snapshot{}, fmt.Errorf("malformed status %q", body.Status)
	}

	snap := job.Snapshot{
		JobID:         jobID,
		Status:        phase,
		SourceURL:     body.URL,
		MergedPDFPath: body.MergedPDFPath,
		ZipPath:       body.ZipPath,
		Error:         body.Error,
	}
	if body.TotalPages != nil {
		if *body.TotalPages < 0 {
			return job.Snapshot{}, fmt.Errorf("malformed total_pages %d", *body.TotalPages)
		}
		snap.TotalPages = *body.TotalPages
	}
	if body.Pages != nil {
		pages, err := normalizePages(*body.Pages)
		if err != nil {
			return job.Snapshot{}, err
		}
		snap.Pages = pages
		snap.PagesPresent = true
	}
	if phase == job.PhaseFailed && strings.TrimSpace(snap.Error) == "" {
		snap.Error = "job failed"
	}
	if phase != job.PhaseFailed {
		snap.Error = ""
	}
	if phase != job.PhaseCompleted {
		snap.MergedPDFPath = ""
		snap.ZipPath = ""
	}
	return snap, nil
}

// normalizePages rejects pages without a URL and keeps the first occurrence of
// duplicated URLs so identity stays unique.
func normalizePages(in []job.Page) ([]job.Page, error) {
	out := make([]job.Page, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, p := range in {
		p.URL = strings.TrimSpace(p.URL)
		if p.URL == "" {
			return nil, fmt.Errorf("malformed page %d: missing url", i)
		}
		if _, dup := seen[p.URL]; dup {
			continue
		}
		seen[p.URL] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// ResolveArtifact turns a server-relative artifact path into an absolute URL.
func (c *Client) ResolveArtifact(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	return c.endpoint(strings.Split(strings.TrimLeft(path, "/"), "/")...)
}

// BaseURL returns the backend base address.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Download streams the artifact at path into w and returns the bytes written.
func (c *Client) Download(ctx context.Context, path string, w io.Writer) (_ int64, err error) {
	ctx, span := c.tracer.Start(ctx, "backend.Download", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("artifact.path", path)))
	defer func() { endSpan(span, err) }()

	target := c.ResolveArtifact(path)
	if target == "" {
		return 0, errors.New("artifact path is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", path, err)
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: backend returned %d", path, resp.StatusCode)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", path, err)
	}
	return n, nil
}

// do paces the request, propagates the trace context, and records the status.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context(), req.URL.String()); err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(req.Context()).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		if s == "" {
			continue
		}
		escaped = append(escaped, url.PathEscape(s))
	}
	return c.base.JoinPath(escaped...).String()
}

func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != nil {
		if s, ok := body.Detail.(string); ok {
			return s
		}
		if encoded, err := json.Marshal(body.Detail); err == nil {
			return string(encoded)
		}
	}
	return strings.TrimSpace(string(raw))
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
