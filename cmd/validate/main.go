// Command validate checks a mock Ignition fixture against a partition policy
// before it is served by mockignition or used in tests. It verifies that every
// row decodes with the table schema, that rows sit under the region and
// sub-key they are filed under, that no partition reaches the job cap, and
// that geohashes are unique.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -fixture data/mock/hazard_areas.json \
//	  -policy config/policy.yaml
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/hazard-data-etl/internal/adapter/ignition/ignitiontest"
	"github.com/couchcryptid/hazard-data-etl/internal/config"
	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	fixture := flag.String("fixture", "", "path to the mock Ignition JSON fixture")
	policyPath := flag.String("policy", "", "path to the partition policy YAML (default: built-in)")
	maxResults := flag.Int("max-results", 50000, "job row cap a partition must stay under")
	flag.Parse()

	if *fixture == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(os.Stdout, *fixture, *policyPath, *maxResults); code != 0 {
		os.Exit(code)
	}
}

func run(out io.Writer, fixturePath, policyPath string, maxResults int) int {
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)))
	defer domain.SetClock(nil)

	fmt.Fprintln(out, "=== Hazard Fixture Validation ===")
	fmt.Fprintln(out)

	policy, _, err := config.LoadPolicy(policyPath)
	if err != nil {
		fmt.Fprintf(out, "FATAL: load policy: %v\n", err)
		return 1
	}
	f, err := ignitiontest.LoadFixture(fixturePath)
	if err != nil {
		fmt.Fprintf(out, "FATAL: load fixture: %v\n", err)
		return 1
	}

	phases := []*phase{
		validatePolicyAlignment(f, policy),
		validateSchema(f),
		validatePlacement(f),
		validateCaps(f, maxResults),
		validateUniqueGeohashes(f),
	}

	fmt.Fprintln(out)
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Regions: %d, rows: %d\n", len(f.Regions), countRows(f))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

// partitionRows is one partition of the fixture with its label.
type partitionRows struct {
	label  string
	region string
	column string
	key    *domain.SubKey
	rows   [][]any
}

func partitions(f ignitiontest.Fixture) []partitionRows {
	var parts []partitionRows
	for _, r := range f.Regions {
		if len(r.SubKeys) == 0 {
			parts = append(parts, partitionRows{label: r.Name, region: r.Name, rows: r.Rows})
			continue
		}
		column := r.Column
		if column == "" {
			column = domain.DefaultSubKeyColumn
		}
		for _, sk := range r.SubKeys {
			key := domain.SubKey{Null: sk.Value == nil}
			if sk.Value != nil {
				key.Value = *sk.Value
			}
			part := domain.Partition{Region: r.Name, SubKeyColumn: column, SubKey: key}
			parts = append(parts, partitionRows{label: part.Label(), region: r.Name, column: column, key: &key, rows: sk.Rows})
		}
	}
	return parts
}

func countRows(f ignitiontest.Fixture) int {
	n := 0
	for _, p := range partitions(f) {
		n += len(p.rows)
	}
	return n
}

func toRaw(rows [][]any) []domain.RawRow {
	raw := make([]domain.RawRow, len(rows))
	for i, row := range rows {
		raw[i] = make(domain.RawRow, len(row))
		for j, v := range row {
			raw[i][j] = domain.WrappedValue{Value: v}
		}
	}
	return raw
}

// ── Validation phases ──

func validatePolicyAlignment(f ignitiontest.Fixture, policy domain.PartitionPolicy) *phase {
	p := &phase{name: "Policy alignment"}
	for _, r := range f.Regions {
		col, oversized := policy.SubKeyColumn(r.Name)
		switch {
		case oversized && len(r.SubKeys) == 0:
			p.errorf("%s: policy splits by %s but fixture has no sub_keys", r.Name, col)
		case !oversized && len(r.SubKeys) > 0:
			p.errorf("%s: fixture has sub_keys but policy queries the whole region", r.Name)
		case oversized && r.Column != "" && r.Column != col:
			p.errorf("%s: fixture column %s differs from policy column %s", r.Name, r.Column, col)
		}
	}
	return p
}

func validateSchema(f ignitiontest.Fixture) *phase {
	p := &phase{name: "Rows decode with table schema"}
	for _, part := range partitions(f) {
		if _, err := domain.Normalize(toRaw(part.rows)); err != nil {
			p.errorf("%s: %v", part.label, err)
		}
	}
	return p
}

func validatePlacement(f ignitiontest.Fixture) *phase {
	p := &phase{name: "Rows filed under their region and sub-key"}
	for _, part := range partitions(f) {
		areas, err := domain.Normalize(toRaw(part.rows))
		if err != nil {
			continue
		}
		for i, a := range areas {
			if a.State != part.region {
				p.errorf("%s row %d: state %q", part.label, i, a.State)
			}
			if part.key == nil {
				continue
			}
			got, ok := subKeyValue(a, part.column)
			if !ok {
				continue
			}
			want := part.key.Value
			if part.key.Null {
				want = ""
			}
			if got != want {
				p.errorf("%s row %d: %s is %q", part.label, i, part.column, got)
			}
		}
	}
	return p
}

// subKeyValue reads the sub-key column from a decoded row. Only the columns
// used for splitting are supported.
func subKeyValue(a domain.HazardArea, column string) (string, bool) {
	switch column {
	case "County":
		return a.County, true
	case "City":
		return a.City, true
	default:
		return "", false
	}
}

func validateCaps(f ignitiontest.Fixture, maxResults int) *phase {
	p := &phase{name: "Partitions under the job cap"}
	for _, part := range partitions(f) {
		if len(part.rows) >= maxResults {
			p.errorf("%s: %d rows would be reported as possibly truncated (cap %d)", part.label, len(part.rows), maxResults)
		}
	}
	return p
}

func validateUniqueGeohashes(f ignitiontest.Fixture) *phase {
	p := &phase{name: "Unique geohashes"}
	seen := make(map[string]string)
	for _, part := range partitions(f) {
		for i, row := range part.rows {
			if len(row) == 0 {
				continue
			}
			gh := domain.WrappedValue{Value: row[0]}.String()
			if prev, ok := seen[gh]; ok {
				p.errorf("%s row %d: geohash %s already in %s", part.label, i, gh, prev)
				continue
			}
			seen[gh] = part.label
		}
	}
	return p
}
