package domain

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultTable        = "UrbanInfrastructure.HazardousDrivingAreas"
	DefaultCountry      = "United States of America (the)"
	DefaultRegionColumn = "State"
	DefaultSubKeyColumn = "County"
)

// identifierRe accepts plain and dotted SQL identifiers, e.g. "County" or
// "UrbanInfrastructure.HazardousDrivingAreas".
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidIdentifier reports whether s can be interpolated into SQL as a
// table or column name.
func ValidIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

// PartitionPolicy decides how regions are queried. Oversized maps a region
// name to the sub-key column used to split it.
type PartitionPolicy struct {
	Table           string
	Country         string
	RegionColumn    string
	AutoSplitColumn string
	Oversized       map[string]string
}

// DefaultPolicy splits Texas and California by County, the two states whose
// row counts exceed the 50000 row job cap.
func DefaultPolicy() PartitionPolicy {
	return PartitionPolicy{
		Table:        DefaultTable,
		Country:      DefaultCountry,
		RegionColumn: DefaultRegionColumn,
		Oversized: map[string]string{
			"Texas":      DefaultSubKeyColumn,
			"California": DefaultSubKeyColumn,
		},
	}
}

// SubKeyColumn returns the split column for an oversized region.
func (p PartitionPolicy) SubKeyColumn(region string) (string, bool) {
	col, ok := p.Oversized[region]
	return col, ok && col != ""
}

// Validate checks that every identifier in the policy is safe to interpolate.
func (p PartitionPolicy) Validate() error {
	if !ValidIdentifier(p.Table) {
		return fmt.Errorf("invalid table name %q", p.Table)
	}
	if !ValidIdentifier(p.RegionColumn) {
		return fmt.Errorf("invalid region column %q", p.RegionColumn)
	}
	if p.AutoSplitColumn != "" && !ValidIdentifier(p.AutoSplitColumn) {
		return fmt.Errorf("invalid auto split column %q", p.AutoSplitColumn)
	}
	for region, col := range p.Oversized {
		if !ValidIdentifier(col) {
			return fmt.Errorf("invalid sub-key column %q for region %q", col, region)
		}
	}
	return nil
}

// RegionQuery selects every row for a region.
func (p PartitionPolicy) RegionQuery(region string) string {
	return fmt.Sprintf("select * from %s where %s", p.Table, p.regionFilter(region))
}

// SubKeyQuery selects the rows for one sub-key value of a region.
func (p PartitionPolicy) SubKeyQuery(region, column string, key SubKey) string {
	var filter string
	if key.Null {
		filter = column + " IS NULL"
	} else {
		filter = fmt.Sprintf("%s = %s", column, quoteLiteral(key.Value))
	}
	return fmt.Sprintf("select * from %s where %s and %s", p.Table, p.regionFilter(region), filter)
}

// DistinctQuery lists the distinct values of column within a region.
func (p PartitionPolicy) DistinctQuery(region, column string) string {
	return fmt.Sprintf("select distinct %s from %s where %s", column, p.Table, p.regionFilter(region))
}

func (p PartitionPolicy) regionFilter(region string) string {
	return fmt.Sprintf("Country = %s and %s = %s", quoteLiteral(p.Country), p.RegionColumn, quoteLiteral(region))
}

// quoteLiteral renders s as a BigQuery standard SQL string literal.
func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// SubKey is one value returned by a distinct query. Null marks a SQL NULL.
type SubKey struct {
	Value string
	Null  bool
}

func (k SubKey) String() string {
	if k.Null {
		return "NULL"
	}
	return k.Value
}

// Partition is one independently submitted query job. Index is the
// submission order, which is also the merge order.
type Partition struct {
	Index        int
	Region       string
	SubKeyColumn string
	SubKey       SubKey
	Query        string
}

// IsSplit reports whether the partition is scoped to a sub-key value.
func (p Partition) IsSplit() bool {
	return p.SubKeyColumn != ""
}

// Label identifies the partition in logs, e.g. "Texas" or "Texas/County=Harris".
func (p Partition) Label() string {
	if !p.IsSplit() {
		return p.Region
	}
	return fmt.Sprintf("%s/%s=%s", p.Region, p.SubKeyColumn, p.SubKey)
}
