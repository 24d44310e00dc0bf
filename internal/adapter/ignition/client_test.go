package ignition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hazard-data-etl/internal/adapter/ignition/ignitiontest"
	"github.com/couchcryptid/hazard-data-etl/internal/domain"
	"github.com/couchcryptid/hazard-data-etl/internal/observability"
)

const (
	testToken   = "abc123"
	testProject = "geotab-public-intelligence"
	testQuery   = "select * from UrbanInfrastructure.HazardousDrivingAreas where Country = 'United States of America (the)' and State = 'Wyoming'"
)

func testSession() domain.Session {
	return domain.Session{Token: testToken, ProjectID: testProject, MaxResults: 50000}
}

func testClient(baseURL string, mutate ...func(*Options)) *Client {
	opts := Options{
		BaseURL:        baseURL,
		RequestTimeout: 5 * time.Second,
		PollInterval:   time.Millisecond,
		Retry: RetryPolicy{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewClient(opts, observability.NewMetricsForTesting(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newFakeAPI(t *testing.T) (*ignitiontest.API, *httptest.Server) {
	t.Helper()
	api := ignitiontest.New(testToken)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestClient_CreateJob_FormFields(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathCreateJob, r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		require.NoError(t, json.NewEncoder(w).Encode(map[string]string{"id": "job_42"}))
	}))
	defer srv.Close()

	id, err := testClient(srv.URL).CreateJob(context.Background(), testSession(), testQuery)
	require.NoError(t, err)

	assert.Equal(t, "job_42", id)
	assert.Equal(t, testToken, form.Get("token"))
	assert.Equal(t, testProject, form.Get("projectId"))
	assert.Equal(t, testQuery, form.Get("query"))
	assert.Equal(t, "50000", form.Get("maxResults"))
}

func TestClient_CreateJob_MissingID(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{NoJobID: true})

	_, err := testClient(srv.URL).CreateJob(context.Background(), testSession(), testQuery)

	var createErr *domain.JobCreationError
	require.ErrorAs(t, err, &createErr)
	assert.Contains(t, createErr.Body, "query rejected")
}

func TestClient_PollStatus_RunningRunningComplete(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{
		Statuses: []domain.JobStatus{domain.StatusRunning, domain.StatusRunning, domain.StatusComplete},
	})

	fake := clockwork.NewFakeClock()
	c := testClient(srv.URL, func(o *Options) {
		o.Clock = fake
		o.PollInterval = 2 * time.Second
	})
	ctx := context.Background()
	s := testSession()

	id, err := c.CreateJob(ctx, s, testQuery)
	require.NoError(t, err)

	type result struct {
		status domain.JobStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := c.PollStatus(ctx, s, id)
		done <- result{status, err}
	}()

	for range 2 {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		require.NoError(t, fake.BlockUntilContext(waitCtx, 1))
		cancel()
		fake.Advance(2 * time.Second)
	}

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, domain.StatusComplete, r.status)
	assert.Equal(t, 3, api.Requests(PathJobStatus))
}

func TestClient_PollStatus_PendingIsInProgress(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{
		Statuses: []domain.JobStatus{domain.StatusPending, domain.StatusRunning, domain.StatusComplete},
	})

	_, err := testClient(srv.URL).RunQuery(context.Background(), testSession(), testQuery)
	require.NoError(t, err)
	assert.Equal(t, 3, api.Requests(PathJobStatus))
}

func TestClient_RunQuery_FailedStatus(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{
		Statuses: []domain.JobStatus{domain.StatusRunning, "FAILED"},
	})
	c := testClient(srv.URL)

	_, err := c.RunQuery(context.Background(), testSession(), testQuery)

	var failed *domain.JobFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, domain.JobStatus("FAILED"), failed.Status)
	assert.Equal(t, "job_0001", failed.JobID)
	assert.Zero(t, api.Requests(PathQueryResults), "failed job must not be fetched")
	assert.InDelta(t, 1, counterValue(t, c.metrics.Jobs.WithLabelValues("failed")), 0)
}

func TestClient_RunQuery_Timeout(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{Statuses: []domain.JobStatus{domain.StatusRunning}})
	c := testClient(srv.URL, func(o *Options) {
		o.JobTimeout = 50 * time.Millisecond
		o.PollInterval = 5 * time.Millisecond
	})

	_, err := c.RunQuery(context.Background(), testSession(), testQuery)

	var timeout *domain.JobTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "job_0001", timeout.JobID)
	assert.Equal(t, 50*time.Millisecond, timeout.Timeout)

	time.Sleep(10 * time.Millisecond)
	polls := api.Requests(PathJobStatus)
	assert.Positive(t, polls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, polls, api.Requests(PathJobStatus), "no status requests after the job is abandoned")
}

func TestClient_RunQuery_RateLimitWaitPastJobDeadline(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{Statuses: []domain.JobStatus{domain.StatusRunning}})
	c := testClient(srv.URL, func(o *Options) {
		o.JobTimeout = 200 * time.Millisecond
		o.RatePerSecond = 1
		o.Burst = 1
	})

	start := time.Now()
	_, err := c.RunQuery(context.Background(), testSession(), testQuery)

	var timeout *domain.JobTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "job_0001", timeout.JobID)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, api.Requests(PathJobStatus))
	assert.InDelta(t, 1, counterValue(t, c.metrics.Jobs.WithLabelValues("timed_out")), 0)
}

func TestClient_RunQuery_RateLimitWaitPastParentDeadline(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{Statuses: []domain.JobStatus{domain.StatusRunning}})
	c := testClient(srv.URL, func(o *Options) {
		o.JobTimeout = time.Minute
		o.RatePerSecond = 1
		o.Burst = 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.RunQuery(ctx, testSession(), testQuery)
	require.Error(t, err)

	var timeout *domain.JobTimeoutError
	assert.False(t, errors.As(err, &timeout))
	assert.ErrorIs(t, err, errWaitPastDeadline)
}

func TestClient_RunQuery_ParentCancelIsNotTimeout(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{Statuses: []domain.JobStatus{domain.StatusRunning}})
	c := testClient(srv.URL, func(o *Options) { o.JobTimeout = time.Minute })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.RunQuery(ctx, testSession(), testQuery)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var timeout *domain.JobTimeoutError
	assert.False(t, errors.As(err, &timeout))
}

func TestClient_RunQuery_DecodesRows(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.SetResult(testQuery, ignitiontest.Result{Rows: [][]any{
		ignitiontest.AreaRow("9xdd5s", "Casper", "Natrona", "Wyoming", 42.866667, -106.313056),
		ignitiontest.AreaRow("9xdd5t", "Casper", "Natrona", "Wyoming", 42.87, -106.31),
	}})

	res, err := testClient(srv.URL).RunQuery(context.Background(), testSession(), testQuery)
	require.NoError(t, err)

	assert.Equal(t, "job_0001", res.JobID)
	require.Len(t, res.Rows, 2)
	assert.Len(t, res.Rows[0], len(domain.Schema))
	assert.Equal(t, "9xdd5s", res.Rows[0][0].Value)
	assert.Equal(t, uint64(2), res.TotalRows)
	assert.False(t, res.PossiblyTruncated)
	assert.Equal(t, []string{testQuery}, api.Queries())
}

func TestClient_FetchResults_Truncation(t *testing.T) {
	rows := [][]any{{"a"}, {"b"}, {"c"}}

	t.Run("rows reach the cap", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.SetResult(testQuery, ignitiontest.Result{Rows: rows})
		s := testSession()
		s.MaxResults = 2

		res, err := testClient(srv.URL).RunQuery(context.Background(), s, testQuery)
		require.NoError(t, err)
		assert.Len(t, res.Rows, 2)
		assert.True(t, res.PossiblyTruncated)
	})

	t.Run("total exceeds rows", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.SetResult(testQuery, ignitiontest.Result{Rows: rows, TotalRows: 10})

		res, err := testClient(srv.URL).RunQuery(context.Background(), testSession(), testQuery)
		require.NoError(t, err)
		assert.Len(t, res.Rows, 3)
		assert.Equal(t, uint64(10), res.TotalRows)
		assert.True(t, res.PossiblyTruncated)
	})

	t.Run("below the cap", func(t *testing.T) {
		api, srv := newFakeAPI(t)
		api.SetResult(testQuery, ignitiontest.Result{Rows: rows})

		res, err := testClient(srv.URL).RunQuery(context.Background(), testSession(), testQuery)
		require.NoError(t, err)
		assert.False(t, res.PossiblyTruncated)
	})
}

func TestClient_FetchResults_MissingEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":"job expired"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchResults(context.Background(), testSession(), "job_1")

	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.False(t, te.Retryable)
	assert.Contains(t, err.Error(), "apiResponse")
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.FailNext(PathCreateJob, http.StatusServiceUnavailable, http.StatusTooManyRequests)
	c := testClient(srv.URL)

	_, err := c.RunQuery(context.Background(), testSession(), testQuery)
	require.NoError(t, err)

	assert.Equal(t, 3, api.Requests(PathCreateJob))
	assert.InDelta(t, 2, counterValue(t, c.metrics.RequestRetries.WithLabelValues(opCreateJob)), 0)
}

func TestClient_RetriesExhausted(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.FailNext(PathJobStatus, 502, 502, 502, 502, 502)

	_, err := testClient(srv.URL).RunQuery(context.Background(), testSession(), testQuery)

	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 502, te.StatusCode)
	assert.True(t, te.Retryable)
	assert.Equal(t, 3, api.Requests(PathJobStatus), "one attempt plus two retries")
}

func TestClient_RejectedTokenIsNotRetried(t *testing.T) {
	api, srv := newFakeAPI(t)
	s := testSession()
	s.Token = "expired"

	_, err := testClient(srv.URL).RunQuery(context.Background(), s, testQuery)

	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 1, api.Requests(PathCreateJob))
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.FailNext(PathCreateJob, http.StatusBadRequest)

	_, err := testClient(srv.URL).RunQuery(context.Background(), testSession(), testQuery)

	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.False(t, te.Retryable)
	assert.Equal(t, 1, api.Requests(PathCreateJob))
}

func TestClient_ListDistinct(t *testing.T) {
	const q = "select distinct County from t"
	api, srv := newFakeAPI(t)
	api.SetResult(q, ignitiontest.Result{Rows: [][]any{{"Harris"}, {"Travis"}, {nil}}})

	keys, err := testClient(srv.URL).ListDistinct(context.Background(), testSession(), q)
	require.NoError(t, err)

	assert.Equal(t, []domain.SubKey{
		{Value: "Harris"},
		{Value: "Travis"},
		{Null: true},
	}, keys)
}

func TestClient_ListDistinct_WrongWidth(t *testing.T) {
	const q = "select distinct County from t"
	api, srv := newFakeAPI(t)
	api.SetResult(q, ignitiontest.Result{Rows: [][]any{{"Harris", "Texas"}}})

	_, err := testClient(srv.URL).ListDistinct(context.Background(), testSession(), q)

	var mismatch *domain.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Got)
	assert.Equal(t, 1, mismatch.Expected)
}

func TestClient_TLSVerification(t *testing.T) {
	api := ignitiontest.New(testToken)
	srv := httptest.NewTLSServer(api)
	defer srv.Close()

	t.Run("verifies certificates by default", func(t *testing.T) {
		c := testClient(srv.URL, func(o *Options) { o.Retry.MaxRetries = 0 })
		_, err := c.CreateJob(context.Background(), testSession(), testQuery)

		var te *domain.TransportError
		require.ErrorAs(t, err, &te)
		assert.Zero(t, te.StatusCode)
	})

	t.Run("opt-in skip", func(t *testing.T) {
		c := testClient(srv.URL, func(o *Options) { o.InsecureSkipVerify = true })
		id, err := c.CreateJob(context.Background(), testSession(), testQuery)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	})
}
