package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
)

var errNotNumeric = errors.New("column is not numeric")

// Normalize decodes raw rows with the fixed table Schema, rounding the
// coordinate columns to CoordinatePrecision.
func Normalize(rows []RawRow) ([]HazardArea, error) {
	return NormalizeRows(rows, Schema, RoundedColumns, CoordinatePrecision)
}

// NormalizeRows decodes each raw row positionally against schema. Columns in
// rounded are parsed as floats and rounded to precision decimal places. Every
// row from one call shares a single inserted_date. A row whose length differs
// from the schema fails the whole call with a *SchemaMismatchError; a non-null
// cell that cannot be decoded fails it with a *ColumnError. NULL numeric cells
// are kept as nil.
func NormalizeRows(rows []RawRow, schema, rounded []string, precision int) ([]HazardArea, error) {
	roundSet := make(map[string]bool, len(rounded))
	for _, col := range rounded {
		roundSet[col] = true
	}

	capturedAt := clock.Now().UTC()
	out := make([]HazardArea, 0, len(rows))

	for i, row := range rows {
		if len(row) != len(schema) {
			return nil, &SchemaMismatchError{Row: i, Got: len(row), Expected: len(schema)}
		}

		var area HazardArea
		for j, col := range schema {
			v := row[j].Value
			if err := area.assign(col, v, roundSet[col], precision); err != nil {
				return nil, &ColumnError{Row: i, Column: col, Value: v, Err: err}
			}
		}
		area.InsertedDate = capturedAt
		out = append(out, area)
	}
	return out, nil
}

func (a *HazardArea) assign(col string, v any, round bool, precision int) error {
	if p := a.floatField(col); p != nil {
		if v == nil {
			*p = nil
			return nil
		}
		f, err := asFloat(v)
		if err != nil {
			return err
		}
		if round {
			f = roundTo(f, precision)
		}
		*p = &f
		return nil
	}
	if round {
		return errNotNumeric
	}
	if p := a.stringField(col); p != nil {
		*p = asString(v)
		return nil
	}

	switch col {
	case ColIncidentsTotal:
		if v == nil {
			a.IncidentsTotal = nil
			return nil
		}
		n, err := asInt(v)
		if err != nil {
			return err
		}
		a.IncidentsTotal = &n
	case ColUpdateDate:
		d, err := asDate(v)
		if err != nil {
			return err
		}
		a.UpdateDate = d
	default:
		return fmt.Errorf("unknown column %q", col)
	}
	return nil
}

func (a *HazardArea) floatField(col string) **float64 {
	switch col {
	case ColLatitudeSW:
		return &a.LatitudeSW
	case ColLongitudeSW:
		return &a.LongitudeSW
	case ColLatitudeNE:
		return &a.LatitudeNE
	case ColLongitudeNE:
		return &a.LongitudeNE
	case ColLatitude:
		return &a.Latitude
	case ColLongitude:
		return &a.Longitude
	case ColSeverityScore:
		return &a.SeverityScore
	}
	return nil
}

func (a *HazardArea) stringField(col string) *string {
	switch col {
	case ColGeohash:
		return &a.Geohash
	case ColGeohashBounds:
		return &a.GeohashBounds
	case ColLocation:
		return &a.Location
	case ColCity:
		return &a.City
	case ColCounty:
		return &a.County
	case ColState:
		return &a.State
	case ColCountry:
		return &a.Country
	case ColISO3166_2:
		return &a.ISO3166_2
	case ColVersion:
		return &a.Version
	}
	return nil
}

func roundTo(f float64, precision int) float64 {
	pow := math.Pow10(precision)
	return math.Round(f*pow) / pow
}

// asString renders a scalar cell. NULL becomes the empty string.
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func asInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return asInt(f)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// asDate parses a DATE cell. NULL yields the zero Date, which sinks store as NULL.
// Timestamps such as "2024-03-01 00:00:00 UTC" are cut to their date part.
func asDate(v any) (civil.Date, error) {
	switch t := v.(type) {
	case nil:
		return civil.Date{}, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return civil.Date{}, nil
		}
		if len(s) > 10 && (s[10] == ' ' || s[10] == 'T') {
			s = s[:10]
		}
		return civil.ParseDate(s)
	default:
		return civil.Date{}, fmt.Errorf("unsupported type %T", v)
	}
}
