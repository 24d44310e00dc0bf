package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// Column names of the Hazardous Driving Areas table, in wire order.
const (
	ColGeohash        = "geohash"
	ColGeohashBounds  = "geohash_bounds"
	ColLatitudeSW     = "latitude_sw"
	ColLongitudeSW    = "longitude_sw"
	ColLatitudeNE     = "latitude_ne"
	ColLongitudeNE    = "longitude_ne"
	ColLocation       = "location"
	ColLatitude       = "latitude"
	ColLongitude      = "longitude"
	ColCity           = "city"
	ColCounty         = "county"
	ColState          = "state"
	ColCountry        = "country"
	ColISO3166_2      = "iso_3166_2"
	ColSeverityScore  = "severity_score"
	ColIncidentsTotal = "incidents_total"
	ColUpdateDate     = "update_date"
	ColVersion        = "version"
	ColInsertedDate   = "inserted_date"
)

// Schema is the positional column list of a raw row.
var Schema = []string{
	ColGeohash, ColGeohashBounds,
	ColLatitudeSW, ColLongitudeSW, ColLatitudeNE, ColLongitudeNE,
	ColLocation, ColLatitude, ColLongitude,
	ColCity, ColCounty, ColState, ColCountry, ColISO3166_2,
	ColSeverityScore, ColIncidentsTotal, ColUpdateDate, ColVersion,
}

// OutputColumns is Schema plus the derived capture timestamp.
var OutputColumns = append(append([]string(nil), Schema...), ColInsertedDate)

// RoundedColumns are coerced to float and rounded to CoordinatePrecision.
var RoundedColumns = []string{
	ColLatitudeSW, ColLongitudeSW, ColLatitudeNE, ColLongitudeNE, ColLatitude, ColLongitude,
}

// CoordinatePrecision is the number of decimal places kept on coordinates.
const CoordinatePrecision = 5

// WrappedValue is the {"v": scalar} envelope around each cell.
type WrappedValue struct {
	Value any
}

// IsNull reports whether the cell holds SQL NULL.
func (w WrappedValue) IsNull() bool { return w.Value == nil }

// String renders the cell scalar. NULL renders as the empty string.
func (w WrappedValue) String() string { return asString(w.Value) }

// RawRow is one positional result row as returned by the query service.
type RawRow []WrappedValue

// HazardArea is a normalized row of the Hazardous Driving Areas table.
// Numeric columns are nil when the source cell was NULL.
type HazardArea struct {
	Geohash        string     `json:"geohash"`
	GeohashBounds  string     `json:"geohash_bounds"`
	LatitudeSW     *float64   `json:"latitude_sw"`
	LongitudeSW    *float64   `json:"longitude_sw"`
	LatitudeNE     *float64   `json:"latitude_ne"`
	LongitudeNE    *float64   `json:"longitude_ne"`
	Location       string     `json:"location"`
	Latitude       *float64   `json:"latitude"`
	Longitude      *float64   `json:"longitude"`
	City           string     `json:"city"`
	County         string     `json:"county"`
	State          string     `json:"state"`
	Country        string     `json:"country"`
	ISO3166_2      string     `json:"iso_3166_2"`
	SeverityScore  *float64   `json:"severity_score"`
	IncidentsTotal *int64     `json:"incidents_total"`
	UpdateDate     civil.Date `json:"update_date"`
	Version        string     `json:"version"`
	InsertedDate   time.Time  `json:"inserted_date"`
}

// JobStatus is the status string reported by getJobStatus.
type JobStatus string

const (
	StatusRunning  JobStatus = "RUNNING"
	StatusPending  JobStatus = "PENDING"
	StatusComplete JobStatus = "COMPLETE"
)

// InProgress reports whether the job should keep being polled.
func (s JobStatus) InProgress() bool {
	return s == StatusRunning || s == StatusPending
}

// JobState is the client-side lifecycle of one query job.
type JobState int

const (
	JobCreated JobState = iota
	JobPolling
	JobComplete
	JobFailed
	JobTimedOut
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobPolling:
		return "polling"
	case JobComplete:
		return "complete"
	case JobFailed:
		return "failed"
	case JobTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// FetchResult holds the rows of one completed job. PossiblyTruncated is set
// when the server may have dropped rows beyond the job cap.
type FetchResult struct {
	JobID             string
	Rows              []RawRow
	TotalRows         uint64
	PossiblyTruncated bool
}

// PartitionCount is the number of rows a partition contributed to a Dataset.
type PartitionCount struct {
	Partition string `json:"partition"`
	Rows      int    `json:"rows"`
}

// Dataset is the merged output of a run, ordered by partition submission.
type Dataset struct {
	Rows       []HazardArea
	Partitions []PartitionCount
}

// Len returns the total row count.
func (d Dataset) Len() int {
	return len(d.Rows)
}
