package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
	"github.com/couchcryptid/hazard-data-etl/internal/observability"
)

// TokenProvider returns the raw captured token, prefix included.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// SinkWriter persists a finished dataset.
type SinkWriter interface {
	Name() string
	Load(ctx context.Context, ds domain.Dataset) error
}

// Config holds run settings.
type Config struct {
	ProjectID  string
	MaxResults int
	// Workers bounds the number of partition jobs in flight.
	Workers int
	// TokenRefreshAfter re-reads the token at the start of a partition once
	// the session is at least this old. Zero disables age-based refresh.
	TokenRefreshAfter time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// PartitionFailure is a partition that produced no rows, with the reason.
type PartitionFailure struct {
	Partition domain.Partition
	Err       error
}

// RunResult is the outcome of one run. Failed partitions are excluded from
// the Dataset; Truncated partitions are included but may be missing rows.
type RunResult struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Dataset   domain.Dataset
	Failed    []PartitionFailure
	Truncated []domain.Partition
}

// Pipeline plans partitions for each region, runs their jobs on a bounded
// worker pool, and loads the merged dataset into every sink.
type Pipeline struct {
	jobs    JobClient
	tokens  TokenProvider
	policy  domain.PartitionPolicy
	planner *Planner
	sinks   []SinkWriter
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool

	mu      sync.Mutex
	session domain.Session
	lastRun *RunSummary
}

// New creates a Pipeline.
func New(jobs JobClient, tokens TokenProvider, policy domain.PartitionPolicy, sinks []SinkWriter, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Pipeline{
		jobs:    jobs,
		tokens:  tokens,
		policy:  policy,
		planner: NewPlanner(policy, jobs, logger),
		sinks:   sinks,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once a run has completed and loaded its dataset.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no run has completed yet")
	}
	return nil
}

// slot is one planned partition. A region whose planning failed occupies a
// single slot carrying the planning error.
type slot struct {
	partition domain.Partition
	planErr   error
}

type outcome struct {
	tables    []PartitionTable
	failed    []PartitionFailure
	truncated []domain.Partition
}

// Run processes regions in order. Partition failures are collected in the
// result and do not fail the run; an error is returned when no session can be
// opened, the run is cancelled, or a sink fails.
func (p *Pipeline) Run(ctx context.Context, regions []string) (res RunResult, err error) {
	res = RunResult{RunID: uuid.NewString(), StartedAt: p.clock.Now()}
	logger := p.logger.With("run_id", res.RunID)
	defer func() { p.record(res, err) }()

	p.metrics.RunInProgress.Set(1)
	defer p.metrics.RunInProgress.Set(0)

	s, err := p.openSession(ctx)
	if err != nil {
		return res, fmt.Errorf("open session: %w", err)
	}
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()

	logger.Info("run started", "regions", len(regions), "workers", p.cfg.Workers)

	slots := p.plan(ctx, logger, regions)
	outcomes := p.execute(ctx, logger, slots)

	var tables []PartitionTable
	for _, o := range outcomes {
		tables = append(tables, o.tables...)
		res.Failed = append(res.Failed, o.failed...)
		res.Truncated = append(res.Truncated, o.truncated...)
	}
	res.Dataset = Merge(tables)
	p.metrics.LastRunRows.Set(float64(res.Dataset.Len()))

	if err := ctx.Err(); err != nil {
		res.Duration = p.clock.Since(res.StartedAt)
		logger.Warn("run cancelled before load", "error", err, "failed", len(res.Failed))
		return res, fmt.Errorf("run cancelled: %w", err)
	}

	loadErr := p.load(ctx, logger, res.Dataset)
	res.Duration = p.clock.Since(res.StartedAt)
	p.metrics.RunDuration.Observe(res.Duration.Seconds())

	logger.Info("run complete",
		"rows", res.Dataset.Len(),
		"partitions", len(res.Dataset.Partitions),
		"failed", len(res.Failed),
		"truncated", len(res.Truncated),
		"duration", res.Duration,
	)
	if loadErr != nil {
		return res, loadErr
	}
	p.ready.Store(true)
	return res, nil
}

// plan expands regions into slots sequentially, in region order.
func (p *Pipeline) plan(ctx context.Context, logger *slog.Logger, regions []string) []slot {
	var slots []slot
	for _, region := range regions {
		var parts []domain.Partition
		err := p.withSession(ctx, logger, func(s domain.Session) error {
			var err error
			parts, err = p.planner.Plan(ctx, s, region)
			return err
		})
		if err != nil {
			slots = append(slots, slot{partition: domain.Partition{Index: len(slots), Region: region}, planErr: err})
			continue
		}
		for _, part := range parts {
			part.Index = len(slots)
			slots = append(slots, slot{partition: part})
		}
	}
	return slots
}

// execute runs every slot on the worker pool. Each worker writes only its own
// outcome entry, so merge order never depends on completion order.
func (p *Pipeline) execute(ctx context.Context, logger *slog.Logger, slots []slot) []outcome {
	outcomes := make([]outcome, len(slots))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i := range slots {
		sl := slots[i]
		if sl.planErr != nil {
			outcomes[i] = p.failed(logger, sl.partition, sl.planErr)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = p.failed(logger, sl.partition, err)
				return nil
			}
			outcomes[i] = p.runPartition(ctx, logger, sl.partition)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *Pipeline) runPartition(ctx context.Context, logger *slog.Logger, part domain.Partition) outcome {
	res, err := p.fetch(ctx, logger, part)
	if err != nil {
		return p.failed(logger, part, err)
	}

	if res.PossiblyTruncated && !part.IsSplit() && p.policy.AutoSplitColumn != "" {
		logger.Warn("partition may be truncated, splitting region",
			"region", part.Region, "partition", part.Label(), "job_id", res.JobID,
			"rows", len(res.Rows), "column", p.policy.AutoSplitColumn)
		return p.autoSplit(ctx, logger, part)
	}
	return p.complete(logger, part, res)
}

// autoSplit replaces a truncated whole-region partition with one partition
// per sub-key value. The sub-partitions keep the parent's index and run in
// order on the current worker.
func (p *Pipeline) autoSplit(ctx context.Context, logger *slog.Logger, parent domain.Partition) outcome {
	var subs []domain.Partition
	err := p.withSession(ctx, logger, func(s domain.Session) error {
		var err error
		subs, err = p.planner.Split(ctx, s, parent.Region, p.policy.AutoSplitColumn)
		return err
	})
	if err != nil {
		return p.failed(logger, parent, err)
	}

	var out outcome
	for _, sub := range subs {
		sub.Index = parent.Index
		var o outcome
		if res, err := p.fetch(ctx, logger, sub); err != nil {
			o = p.failed(logger, sub, err)
		} else {
			o = p.complete(logger, sub, res)
		}
		out.tables = append(out.tables, o.tables...)
		out.failed = append(out.failed, o.failed...)
		out.truncated = append(out.truncated, o.truncated...)
	}
	return out
}

func (p *Pipeline) fetch(ctx context.Context, logger *slog.Logger, part domain.Partition) (domain.FetchResult, error) {
	var res domain.FetchResult
	err := p.withSession(ctx, logger, func(s domain.Session) error {
		var err error
		res, err = p.jobs.RunQuery(ctx, s, part.Query)
		return err
	})
	return res, err
}

func (p *Pipeline) complete(logger *slog.Logger, part domain.Partition, res domain.FetchResult) outcome {
	rows, err := domain.Normalize(res.Rows)
	if err != nil {
		return p.failed(logger, part, fmt.Errorf("normalize job %s: %w", res.JobID, err))
	}
	p.metrics.RowsNormalized.Add(float64(len(rows)))
	p.metrics.Partitions.WithLabelValues("ok").Inc()

	o := outcome{tables: []PartitionTable{{Partition: part, Rows: rows}}}
	if res.PossiblyTruncated {
		p.metrics.TruncatedPartitions.Inc()
		logger.Warn("partition may be truncated",
			"region", part.Region, "partition", part.Label(), "job_id", res.JobID,
			"rows", len(rows), "total_rows", res.TotalRows)
		o.truncated = []domain.Partition{part}
	}
	logger.Info("partition complete",
		"region", part.Region, "partition", part.Label(), "job_id", res.JobID, "rows", len(rows))
	return o
}

func (p *Pipeline) failed(logger *slog.Logger, part domain.Partition, err error) outcome {
	p.metrics.Partitions.WithLabelValues("failed").Inc()
	logger.Warn("partition failed, skipping",
		"region", part.Region, "partition", part.Label(), "error", err)
	return outcome{failed: []PartitionFailure{{Partition: part, Err: err}}}
}

// withSession calls fn with the current session, refreshing it first when it
// is older than TokenRefreshAfter. If fn fails with an AuthError and a
// refresh yields a different token, fn is retried once with it.
func (p *Pipeline) withSession(ctx context.Context, logger *slog.Logger, fn func(domain.Session) error) error {
	s := p.currentSession(ctx, logger)
	err := fn(s)

	var authErr *domain.AuthError
	if err == nil || !errors.As(err, &authErr) {
		return err
	}
	next, ok := p.refreshAfterAuthError(ctx, logger, s)
	if !ok {
		return err
	}
	return fn(next)
}

func (p *Pipeline) currentSession(ctx context.Context, logger *slog.Logger) domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.TokenRefreshAfter > 0 && p.session.Age(p.clock.Now()) >= p.cfg.TokenRefreshAfter {
		p.refreshLocked(ctx, logger, "age")
	}
	return p.session
}

// refreshAfterAuthError reports a session with a token different from the
// rejected one, refreshing unless another worker already did.
func (p *Pipeline) refreshAfterAuthError(ctx context.Context, logger *slog.Logger, rejected domain.Session) (domain.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session.Token == rejected.Token {
		p.refreshLocked(ctx, logger, "rejected")
	}
	return p.session, p.session.Token != rejected.Token
}

func (p *Pipeline) refreshLocked(ctx context.Context, logger *slog.Logger, reason string) {
	s, err := p.openSession(ctx)
	if err != nil {
		p.metrics.TokenRefreshes.WithLabelValues("error").Inc()
		logger.Warn("token refresh failed, keeping previous token", "reason", reason, "error", err)
		return
	}
	p.metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logger.Info("token refreshed", "reason", reason)
	p.session = s
}

func (p *Pipeline) openSession(ctx context.Context) (domain.Session, error) {
	raw, err := p.tokens.Token(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.NewSession(raw, p.cfg.ProjectID, p.cfg.MaxResults, p.clock.Now())
}

// load writes the dataset to every sink, continuing past failures.
func (p *Pipeline) load(ctx context.Context, logger *slog.Logger, ds domain.Dataset) error {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Load(ctx, ds); err != nil {
			logger.Error("load failed", "sink", sink.Name(), "error", err, "rows", ds.Len())
			errs = append(errs, fmt.Errorf("load %s: %w", sink.Name(), err))
			continue
		}
		p.metrics.RowsLoaded.WithLabelValues(sink.Name()).Add(float64(ds.Len()))
		logger.Info("dataset loaded", "sink", sink.Name(), "rows", ds.Len())
	}
	return errors.Join(errs...)
}
