package pipeline

import (
	"time"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// RunSummary is the JSON digest of a finished run served on /runs/last.
type RunSummary struct {
	RunID           string                  `json:"run_id"`
	StartedAt       time.Time               `json:"started_at"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Rows            int                     `json:"rows"`
	Partitions      []domain.PartitionCount `json:"partitions"`
	Failed          []FailedSummary         `json:"failed"`
	Truncated       []string                `json:"truncated"`
	Error           string                  `json:"error,omitempty"`
}

// FailedSummary names a failed partition and its cause.
type FailedSummary struct {
	Partition string `json:"partition"`
	Error     string `json:"error"`
}

// Summarize digests a run result and its error, if any.
func Summarize(res RunResult, err error) RunSummary {
	sum := RunSummary{
		RunID:           res.RunID,
		StartedAt:       res.StartedAt,
		DurationSeconds: res.Duration.Seconds(),
		Rows:            res.Dataset.Len(),
		Partitions:      res.Dataset.Partitions,
		Failed:          make([]FailedSummary, 0, len(res.Failed)),
		Truncated:       make([]string, 0, len(res.Truncated)),
	}
	for _, f := range res.Failed {
		sum.Failed = append(sum.Failed, FailedSummary{Partition: f.Partition.Label(), Error: f.Err.Error()})
	}
	for _, t := range res.Truncated {
		sum.Truncated = append(sum.Truncated, t.Label())
	}
	if err != nil {
		sum.Error = err.Error()
	}
	return sum
}

func (p *Pipeline) record(res RunResult, err error) {
	sum := Summarize(res, err)
	p.mu.Lock()
	p.lastRun = &sum
	p.mu.Unlock()
}

// LastRun returns the summary of the most recent run, if one has finished.
func (p *Pipeline) LastRun() (RunSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastRun == nil {
		return RunSummary{}, false
	}
	return *p.lastRun, true
}
