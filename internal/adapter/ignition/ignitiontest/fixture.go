package ignitiontest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// Fixture is canned table content, grouped by region. Regions listed with
// SubKeys answer the distinct query and each per-value query; their
// whole-region query returns the union of all sub-key rows.
type Fixture struct {
	Regions []RegionFixture `json:"regions"`
}

// RegionFixture holds the rows of one region.
type RegionFixture struct {
	Name    string          `json:"name"`
	Rows    [][]any         `json:"rows,omitempty"`
	Column  string          `json:"column,omitempty"`
	SubKeys []SubKeyFixture `json:"sub_keys,omitempty"`
}

// SubKeyFixture holds the rows for one sub-key value. A nil Value is NULL.
type SubKeyFixture struct {
	Value *string `json:"value"`
	Rows  [][]any `json:"rows"`
}

// LoadFixture reads a Fixture from a JSON file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("decode fixture %s: %w", path, err)
	}
	return f, nil
}

// Register serves every query the policy would build for the fixture's
// regions.
func (a *API) Register(policy domain.PartitionPolicy, f Fixture) {
	for _, r := range f.Regions {
		if len(r.SubKeys) == 0 {
			a.SetResult(policy.RegionQuery(r.Name), Result{Rows: r.Rows})
			continue
		}

		column := r.Column
		if column == "" {
			column = domain.DefaultSubKeyColumn
		}
		all := append([][]any(nil), r.Rows...)
		distinct := make([][]any, 0, len(r.SubKeys))
		for _, sk := range r.SubKeys {
			key := domain.SubKey{Null: sk.Value == nil}
			var cell any
			if sk.Value != nil {
				key.Value = *sk.Value
				cell = *sk.Value
			}
			distinct = append(distinct, []any{cell})
			a.SetResult(policy.SubKeyQuery(r.Name, column, key), Result{Rows: sk.Rows})
			all = append(all, sk.Rows...)
		}
		a.SetResult(policy.DistinctQuery(r.Name, column), Result{Rows: distinct})
		a.SetResult(policy.RegionQuery(r.Name), Result{Rows: all})
	}
}
