package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// JobClient runs query jobs against the remote query service.
type JobClient interface {
	RunQuery(ctx context.Context, s domain.Session, query string) (domain.FetchResult, error)
	ListDistinct(ctx context.Context, s domain.Session, query string) ([]domain.SubKey, error)
}

// Planner turns a region into the ordered partitions submitted for it.
type Planner struct {
	policy domain.PartitionPolicy
	jobs   JobClient
	logger *slog.Logger
}

// NewPlanner creates a Planner for the given policy.
func NewPlanner(policy domain.PartitionPolicy, jobs JobClient, logger *slog.Logger) *Planner {
	return &Planner{policy: policy, jobs: jobs, logger: logger}
}

// Plan yields a single whole-region partition, or one partition per distinct
// sub-key value when the policy marks the region oversized. Sub-key order is
// the order the distinct query returned. Index is left for the caller.
func (p *Planner) Plan(ctx context.Context, s domain.Session, region string) ([]domain.Partition, error) {
	column, ok := p.policy.SubKeyColumn(region)
	if !ok {
		return []domain.Partition{{
			Region: region,
			Query:  p.policy.RegionQuery(region),
		}}, nil
	}
	return p.Split(ctx, s, region, column)
}

// Split enumerates the distinct values of column within region and yields
// one partition per value. A NULL value becomes an IS NULL partition.
func (p *Planner) Split(ctx context.Context, s domain.Session, region, column string) ([]domain.Partition, error) {
	keys, err := p.jobs.ListDistinct(ctx, s, p.policy.DistinctQuery(region, column))
	if err != nil {
		return nil, fmt.Errorf("list %s values for %s: %w", column, region, err)
	}
	if len(keys) == 0 {
		p.logger.Warn("region has no sub-key values", "region", region, "column", column)
	}

	parts := make([]domain.Partition, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, domain.Partition{
			Region:       region,
			SubKeyColumn: column,
			SubKey:       key,
			Query:        p.policy.SubKeyQuery(region, column, key),
		})
	}
	p.logger.Debug("region split", "region", region, "column", column, "partitions", len(parts))
	return parts, nil
}
