package ignition

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
	bqapi "google.golang.org/api/bigquery/v2"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
	"github.com/couchcryptid/hazard-data-etl/internal/observability"
)

// DefaultBaseURL is the public Ignition API root.
const DefaultBaseURL = "https://ignition.geotab.com"

const (
	PathCreateJob    = "/createQueryJob"
	PathJobStatus    = "/getJobStatus"
	PathQueryResults = "/getQueryResults"
)

const (
	opCreateJob    = "create_job"
	opJobStatus    = "job_status"
	opQueryResults = "query_results"
)

// errWaitPastDeadline marks a rate limit wait that would end after the
// request context deadline.
var errWaitPastDeadline = errors.New("rate limit wait exceeds deadline")

// maxErrorBody bounds how much of an error response is kept in errors.
const maxErrorBody = 512

// RetryPolicy bounds retries of transient transport failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options configures a Client. Zero values fall back to the defaults below,
// except JobTimeout (0 disables the per-job deadline) and RatePerSecond
// (0 disables rate limiting).
type Options struct {
	BaseURL            string
	RequestTimeout     time.Duration
	PollInterval       time.Duration
	JobTimeout         time.Duration
	Retry              RetryPolicy
	RatePerSecond      float64
	Burst              int
	InsecureSkipVerify bool
	Clock              clockwork.Clock
}

// Client runs query jobs against the Ignition API: create, poll until a
// terminal status, then fetch the capped result set.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	pollInterval time.Duration
	jobTimeout   time.Duration
	retry        RetryPolicy
	limiter      *rate.Limiter
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *slog.Logger
}

// NewClient creates an Ignition client. Certificate verification stays on
// unless opts.InsecureSkipVerify is set.
func NewClient(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	if opts.InsecureSkipVerify {
		logger.Warn("tls certificate verification disabled for ignition client", "base_url", opts.BaseURL)
	}

	return &Client{
		httpClient:   newHTTPClient(opts.RequestTimeout, opts.InsecureSkipVerify),
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		pollInterval: opts.PollInterval,
		jobTimeout:   opts.JobTimeout,
		retry:        opts.Retry,
		limiter:      rate.NewLimiter(limit, burst),
		clock:        opts.Clock,
		metrics:      metrics,
		logger:       logger,
	}
}

func newHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecure, //nolint:gosec // opt-in via IGNITION_INSECURE_SKIP_VERIFY
		},
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// RunQuery drives one job through CREATED, POLLING and a terminal state, and
// returns its rows. When the client has a job timeout, a job still running at
// the deadline is abandoned with a *domain.JobTimeoutError and no further
// status requests are issued for it.
func (c *Client) RunQuery(ctx context.Context, s domain.Session, query string) (domain.FetchResult, error) {
	start := c.clock.Now()

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.jobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, c.jobTimeout)
	}
	defer cancel()

	j := &job{state: domain.JobCreated}

	id, err := c.CreateJob(jobCtx, s, query)
	if err != nil {
		return domain.FetchResult{}, c.fail(ctx, jobCtx, j, err)
	}
	j.id = id
	c.transition(j, domain.JobPolling)

	if _, err := c.PollStatus(jobCtx, s, id); err != nil {
		return domain.FetchResult{}, c.fail(ctx, jobCtx, j, err)
	}

	res, err := c.FetchResults(jobCtx, s, id)
	if err != nil {
		return domain.FetchResult{}, c.fail(ctx, jobCtx, j, err)
	}
	c.transition(j, domain.JobComplete)

	c.metrics.Jobs.WithLabelValues("complete").Inc()
	c.metrics.JobDuration.Observe(c.clock.Since(start).Seconds())
	return res, nil
}

type job struct {
	id    string
	state domain.JobState
}

func (c *Client) transition(j *job, to domain.JobState) {
	c.logger.Debug("job state changed", "job_id", j.id, "from", j.state.String(), "to", to.String())
	j.state = to
}

// fail moves the job to its terminal failure state. A deadline hit on the
// job context, with the parent still live, is reported as a timeout.
func (c *Client) fail(parent, jobCtx context.Context, j *job, err error) error {
	if jobTimedOut(parent, jobCtx, err) {
		c.transition(j, domain.JobTimedOut)
		c.metrics.Jobs.WithLabelValues("timed_out").Inc()
		return &domain.JobTimeoutError{JobID: j.id, Timeout: c.jobTimeout}
	}

	c.transition(j, domain.JobFailed)
	var failed *domain.JobFailedError
	if errors.As(err, &failed) {
		c.metrics.Jobs.WithLabelValues("failed").Inc()
	} else {
		c.metrics.Jobs.WithLabelValues("error").Inc()
	}
	return err
}

// jobTimedOut reports whether err was caused by the job deadline rather than
// the parent context. A limiter wait refused because it would pass the job
// deadline counts even though jobCtx has not expired yet.
func jobTimedOut(parent, jobCtx context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return true
	}
	if !errors.Is(err, errWaitPastDeadline) {
		return false
	}
	jd, ok := jobCtx.Deadline()
	if !ok {
		return false
	}
	pd, ok := parent.Deadline()
	return !ok || jd.Before(pd)
}

// CreateJob submits query as an asynchronous job and returns its id.
func (c *Client) CreateJob(ctx context.Context, s domain.Session, query string) (string, error) {
	form := url.Values{
		"token":      {s.Token},
		"projectId":  {s.ProjectID},
		"query":      {query},
		"maxResults": {strconv.Itoa(s.MaxResults)},
	}
	body, err := c.post(ctx, opCreateJob, PathCreateJob, form)
	if err != nil {
		return "", err
	}

	var resp createJobResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.ID == "" {
		return "", &domain.JobCreationError{Body: snippet(body)}
	}
	c.logger.Debug("job created", "job_id", resp.ID)
	return resp.ID, nil
}

// PollStatus requests the job status every poll interval while the job is
// RUNNING or PENDING. It returns the first terminal status; any terminal
// status other than COMPLETE comes back with a *domain.JobFailedError.
func (c *Client) PollStatus(ctx context.Context, s domain.Session, jobID string) (domain.JobStatus, error) {
	for {
		status, err := c.jobStatus(ctx, s, jobID)
		if err != nil {
			return "", err
		}
		if !status.InProgress() {
			if status != domain.StatusComplete {
				return status, &domain.JobFailedError{JobID: jobID, Status: status}
			}
			return status, nil
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}

func (c *Client) jobStatus(ctx context.Context, s domain.Session, jobID string) (domain.JobStatus, error) {
	form := url.Values{
		"token":     {s.Token},
		"projectId": {s.ProjectID},
		"jobId":     {jobID},
	}
	c.metrics.StatusPolls.Inc()
	body, err := c.post(ctx, opJobStatus, PathJobStatus, form)
	if err != nil {
		return "", err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &domain.TransportError{Op: opJobStatus, StatusCode: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	status := domain.JobStatus(strings.ToUpper(strings.TrimSpace(resp.Status)))
	if status == "" {
		return "", &domain.TransportError{Op: opJobStatus, StatusCode: http.StatusOK, Err: fmt.Errorf("response has no status: %s", snippet(body))}
	}
	c.logger.Debug("job status", "job_id", jobID, "status", string(status))
	return status, nil
}

// FetchResults fetches the rows of a completed job in one request. The server
// silently caps the result at the session's MaxResults, so the result is
// flagged PossiblyTruncated when the cap is reached or the reported total
// exceeds the rows returned.
func (c *Client) FetchResults(ctx context.Context, s domain.Session, jobID string) (domain.FetchResult, error) {
	form := url.Values{
		"token":      {s.Token},
		"jobId":      {jobID},
		"projectId":  {s.ProjectID},
		"maxResults": {strconv.Itoa(s.MaxResults)},
	}
	body, err := c.post(ctx, opQueryResults, PathQueryResults, form)
	if err != nil {
		return domain.FetchResult{}, err
	}

	var resp queryResultsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.FetchResult{}, &domain.TransportError{Op: opQueryResults, StatusCode: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.APIResponse == nil {
		return domain.FetchResult{}, &domain.TransportError{Op: opQueryResults, StatusCode: http.StatusOK, Err: fmt.Errorf("response has no apiResponse: %s", snippet(body))}
	}

	rows := unwrapRows(resp.APIResponse.Rows)
	res := domain.FetchResult{
		JobID:     jobID,
		Rows:      rows,
		TotalRows: resp.APIResponse.TotalRows,
	}
	res.PossiblyTruncated = (s.MaxResults > 0 && len(rows) >= s.MaxResults) || res.TotalRows > uint64(len(rows))
	return res, nil
}

// ListDistinct runs a single-column distinct query and returns its values in
// the order the server listed them. NULL values are kept as null sub-keys.
func (c *Client) ListDistinct(ctx context.Context, s domain.Session, query string) ([]domain.SubKey, error) {
	res, err := c.RunQuery(ctx, s, query)
	if err != nil {
		return nil, err
	}
	if res.PossiblyTruncated {
		c.logger.Warn("distinct value list may be truncated", "job_id", res.JobID, "rows", len(res.Rows))
	}

	keys := make([]domain.SubKey, 0, len(res.Rows))
	for i, row := range res.Rows {
		if len(row) != 1 {
			return nil, &domain.SchemaMismatchError{Row: i, Got: len(row), Expected: 1}
		}
		if row[0].IsNull() {
			keys = append(keys, domain.SubKey{Null: true})
			continue
		}
		keys = append(keys, domain.SubKey{Value: row[0].String()})
	}
	return keys, nil
}

func unwrapRows(rows []*bqapi.TableRow) []domain.RawRow {
	out := make([]domain.RawRow, 0, len(rows))
	for _, r := range rows {
		if r == nil {
			out = append(out, domain.RawRow{})
			continue
		}
		row := make(domain.RawRow, len(r.F))
		for j, cell := range r.F {
			if cell != nil {
				row[j] = domain.WrappedValue{Value: cell.V}
			}
		}
		out = append(out, row)
	}
	return out
}

// post sends a form request, retrying retryable transport failures with
// exponential backoff. Anything else is returned on the first attempt.
func (c *Client) post(ctx context.Context, op, path string, form url.Values) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		b.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		b.MaxInterval = c.retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := c.retry.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	var body []byte
	attempt := func() error {
		var err error
		body, err = c.do(ctx, op, path, form)
		if err == nil {
			return nil
		}
		var te *domain.TransportError
		if errors.As(err, &te) && te.Retryable {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.RequestRetries.WithLabelValues(op).Inc()
		c.logger.Warn("ignition request failed, retrying", "op", op, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, op, path string, form url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
			err = fmt.Errorf("%w: %w", errWaitPastDeadline, err)
		}
		return nil, fmt.Errorf("%s: rate limit wait: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: op, Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Retryable: ctx.Err() == nil, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &domain.AuthError{
			Reason: fmt.Sprintf("%s rejected with status %d", op, resp.StatusCode),
			Err:    errors.New(snippet(body)),
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: errors.New(snippet(body))}
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}
	return body, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

// Ignition API response types.

type createJobResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type queryResultsResponse struct {
	APIResponse *bqapi.GetQueryResultsResponse `json:"apiResponse"`
}
