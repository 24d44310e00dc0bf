// Package ignitiontest provides an in-memory Ignition query API for tests and
// local runs. Results are registered per query text; every created job reports
// a scripted status sequence and then serves its rows in the apiResponse
// envelope.
package ignitiontest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	bqapi "google.golang.org/api/bigquery/v2"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// Paths served by API.
const (
	PathCreateJob    = "/createQueryJob"
	PathJobStatus    = "/getJobStatus"
	PathQueryResults = "/getQueryResults"
)

// Result is the canned outcome of one query.
type Result struct {
	// Rows are the positional cell values. They are capped at the request's
	// maxResults when served.
	Rows [][]any
	// TotalRows overrides the reported total. Zero reports len(Rows).
	TotalRows uint64
	// Statuses is the sequence returned by successive status requests. The
	// last entry repeats. Empty means COMPLETE on the first poll.
	Statuses []domain.JobStatus
	// NoJobID makes createQueryJob answer without an id.
	NoJobID bool
}

type job struct {
	query string
	polls int
}

// API is an http.Handler that mimics the Ignition job endpoints.
type API struct {
	mu       sync.Mutex
	token    string
	results  map[string]Result
	jobs     map[string]*job
	nextID   int
	requests map[string]int
	queries  []string
	failures map[string][]int
}

// New returns an API that accepts only the given (prefix-stripped) token.
func New(token string) *API {
	return &API{
		token:    token,
		results:  make(map[string]Result),
		jobs:     make(map[string]*job),
		requests: make(map[string]int),
		failures: make(map[string][]int),
	}
}

// SetResult registers the result for an exact query text. Unregistered
// queries complete with no rows.
func (a *API) SetResult(query string, r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[query] = r
}

// SetToken changes the accepted token.
func (a *API) SetToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = token
}

// FailNext makes the next len(codes) requests to path answer with those
// HTTP status codes before the endpoint behaves normally again.
func (a *API) FailNext(path string, codes ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[path] = append(a.failures[path], codes...)
}

// Requests returns how many requests path has received, failures included.
func (a *API) Requests(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests[path]
}

// Queries returns the query text of every created job, in creation order.
func (a *API) Queries() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.queries...)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests[r.URL.Path]++
	if codes := a.failures[r.URL.Path]; len(codes) > 0 {
		a.failures[r.URL.Path] = codes[1:]
		http.Error(w, "injected failure", codes[0])
		return
	}
	if r.PostForm.Get("token") != a.token {
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case PathCreateJob:
		a.createJob(w, r)
	case PathJobStatus:
		a.jobStatus(w, r)
	case PathQueryResults:
		a.queryResults(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	query := r.PostForm.Get("query")
	a.queries = append(a.queries, query)
	if a.results[query].NoJobID {
		writeJSON(w, map[string]string{"error": "query rejected"})
		return
	}
	a.nextID++
	id := fmt.Sprintf("job_%04d", a.nextID)
	a.jobs[id] = &job{query: query}
	writeJSON(w, map[string]string{"id": id})
}

func (a *API) jobStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := a.jobs[r.PostForm.Get("jobId")]
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	statuses := a.results[j.query].Statuses
	status := domain.StatusComplete
	if len(statuses) > 0 {
		status = statuses[min(j.polls, len(statuses)-1)]
	}
	j.polls++
	writeJSON(w, map[string]string{"status": string(status)})
}

func (a *API) queryResults(w http.ResponseWriter, r *http.Request) {
	j, ok := a.jobs[r.PostForm.Get("jobId")]
	if !ok {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	res := a.results[j.query]

	rows := res.Rows
	if limit, err := strconv.Atoi(r.PostForm.Get("maxResults")); err == nil && limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	total := res.TotalRows
	if total == 0 {
		total = uint64(len(res.Rows))
	}

	resp := &bqapi.GetQueryResultsResponse{
		JobComplete: true,
		TotalRows:   total,
		Rows:        make([]*bqapi.TableRow, len(rows)),
	}
	for i, values := range rows {
		cells := make([]*bqapi.TableCell, len(values))
		for j, v := range values {
			cells[j] = &bqapi.TableCell{V: v}
		}
		resp.Rows[i] = &bqapi.TableRow{F: cells}
	}
	writeJSON(w, map[string]any{"apiResponse": resp})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// AreaRow builds an 18-value raw row in wire order, with every value encoded
// as a string the way the query service sends them.
func AreaRow(geohash, city, county, state string, lat, lon float64) []any {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []any{
		geohash,
		fmt.Sprintf("POLYGON((%s %s, %s %s))", f(lon), f(lat), f(lon+0.01), f(lat+0.01)),
		f(lat), f(lon), f(lat + 0.01), f(lon + 0.01),
		fmt.Sprintf("POINT(%s %s)", f(lon+0.005), f(lat+0.005)),
		f(lat + 0.005), f(lon + 0.005),
		city, county, state, domain.DefaultCountry, "US-XX",
		"0.5", "10", "2024-02-26", "2.1",
	}
}
