package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// policyFile is the YAML layout of POLICY_FILE. Omitted keys keep their
// built-in defaults; an explicit empty oversized map disables splitting.
type policyFile struct {
	Table           string            `yaml:"table"`
	Country         string            `yaml:"country"`
	RegionColumn    string            `yaml:"region_column"`
	AutoSplitColumn string            `yaml:"auto_split_column"`
	Regions         []string          `yaml:"regions"`
	Oversized       map[string]string `yaml:"oversized"`
}

// LoadPolicy returns the partition policy and ordered region list. An empty
// path yields the built-in policy and DefaultRegions.
func LoadPolicy(path string) (domain.PartitionPolicy, []string, error) {
	policy := domain.DefaultPolicy()
	regions := DefaultRegions()
	if path == "" {
		return policy, regions, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.PartitionPolicy{}, nil, fmt.Errorf("read policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.PartitionPolicy{}, nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if f.Table != "" {
		policy.Table = f.Table
	}
	if f.Country != "" {
		policy.Country = f.Country
	}
	if f.RegionColumn != "" {
		policy.RegionColumn = f.RegionColumn
	}
	policy.AutoSplitColumn = f.AutoSplitColumn
	if f.Oversized != nil {
		policy.Oversized = f.Oversized
	}
	if len(f.Regions) > 0 {
		regions = f.Regions
	}

	if err := policy.Validate(); err != nil {
		return domain.PartitionPolicy{}, nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return policy, regions, nil
}

// DefaultRegions lists the 50 US states and the District of Columbia in
// alphabetical order.
func DefaultRegions() []string {
	return []string{
		"Alabama", "Alaska", "Arizona", "Arkansas", "California", "Colorado",
		"Connecticut", "Delaware", "District of Columbia", "Florida", "Georgia",
		"Hawaii", "Idaho", "Illinois", "Indiana", "Iowa", "Kansas", "Kentucky",
		"Louisiana", "Maine", "Maryland", "Massachusetts", "Michigan", "Minnesota",
		"Mississippi", "Missouri", "Montana", "Nebraska", "Nevada", "New Hampshire",
		"New Jersey", "New Mexico", "New York", "North Carolina", "North Dakota",
		"Ohio", "Oklahoma", "Oregon", "Pennsylvania", "Rhode Island",
		"South Carolina", "South Dakota", "Tennessee", "Texas", "Utah", "Vermont",
		"Virginia", "Washington", "West Virginia", "Wisconsin", "Wyoming",
	}
}
