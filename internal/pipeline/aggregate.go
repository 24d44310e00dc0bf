package pipeline

import "github.com/couchcryptid/hazard-data-etl/internal/domain"

// PartitionTable holds the normalized rows of one partition.
type PartitionTable struct {
	Partition domain.Partition
	Rows      []domain.HazardArea
}

// Merge concatenates tables in the order given, which callers keep equal to
// partition submission order. No rows are deduplicated.
func Merge(tables []PartitionTable) domain.Dataset {
	total := 0
	for _, t := range tables {
		total += len(t.Rows)
	}

	ds := domain.Dataset{
		Rows:       make([]domain.HazardArea, 0, total),
		Partitions: make([]domain.PartitionCount, 0, len(tables)),
	}
	for _, t := range tables {
		ds.Rows = append(ds.Rows, t.Rows...)
		ds.Partitions = append(ds.Partitions, domain.PartitionCount{
			Partition: t.Partition.Label(),
			Rows:      len(t.Rows),
		})
	}
	return ds
}
