// Package bigquery streams datasets into a BigQuery table.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// putBatch is the number of rows sent per streaming insert request.
const putBatch = 500

type inserter interface {
	Put(ctx context.Context, src any) error
}

// Sink appends rows through the streaming insert API.
// It implements pipeline.SinkWriter.
type Sink struct {
	client   *bigquery.Client
	table    *bigquery.Table
	inserter inserter
	logger   *slog.Logger
}

// NewSink connects to BigQuery using application default credentials.
func NewSink(ctx context.Context, project, dataset, table string, logger *slog.Logger) (*Sink, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	tbl := client.Dataset(dataset).Table(table)
	return &Sink{client: client, table: tbl, inserter: tbl.Inserter(), logger: logger}, nil
}

func (s *Sink) Name() string { return "bigquery" }

// EnsureTable creates the destination table with Schema if it is missing.
func (s *Sink) EnsureTable(ctx context.Context) error {
	_, err := s.table.Metadata(ctx)
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("get table metadata: %w", err)
	}
	if err := s.table.Create(ctx, &bigquery.TableMetadata{Schema: Schema()}); err != nil {
		return fmt.Errorf("create table %s: %w", s.table.FullyQualifiedName(), err)
	}
	s.logger.Info("bigquery table created", "table", s.table.FullyQualifiedName())
	return nil
}

// Load streams the dataset in batches of putBatch rows.
func (s *Sink) Load(ctx context.Context, ds domain.Dataset) error {
	for start := 0; start < ds.Len(); start += putBatch {
		end := min(start+putBatch, ds.Len())
		savers := make([]*AreaSaver, 0, end-start)
		for i := start; i < end; i++ {
			savers = append(savers, &AreaSaver{Area: ds.Rows[i]})
		}
		if err := s.inserter.Put(ctx, savers); err != nil {
			return fmt.Errorf("insert rows %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// AreaSaver adapts a HazardArea to bigquery.ValueSaver.
type AreaSaver struct {
	Area domain.HazardArea
}

var _ bigquery.ValueSaver = &AreaSaver{}

// Save returns the row keyed by column name, with insert ID
// geohash|inserted_date.
func (a *AreaSaver) Save() (map[string]bigquery.Value, string, error) {
	r := a.Area
	if r.Geohash == "" {
		return nil, "", errors.New("hazard area has no geohash")
	}

	var updated bigquery.Value
	if r.UpdateDate.IsValid() {
		updated = r.UpdateDate
	}

	row := map[string]bigquery.Value{
		domain.ColGeohash:        r.Geohash,
		domain.ColGeohashBounds:  r.GeohashBounds,
		domain.ColLatitudeSW:     nullable(r.LatitudeSW),
		domain.ColLongitudeSW:    nullable(r.LongitudeSW),
		domain.ColLatitudeNE:     nullable(r.LatitudeNE),
		domain.ColLongitudeNE:    nullable(r.LongitudeNE),
		domain.ColLocation:       r.Location,
		domain.ColLatitude:       nullable(r.Latitude),
		domain.ColLongitude:      nullable(r.Longitude),
		domain.ColCity:           r.City,
		domain.ColCounty:         r.County,
		domain.ColState:          r.State,
		domain.ColCountry:        r.Country,
		domain.ColISO3166_2:      r.ISO3166_2,
		domain.ColSeverityScore:  nullable(r.SeverityScore),
		domain.ColIncidentsTotal: nullable(r.IncidentsTotal),
		domain.ColUpdateDate:     updated,
		domain.ColVersion:        r.Version,
		domain.ColInsertedDate:   r.InsertedDate,
	}
	return row, r.Geohash + "|" + r.InsertedDate.UTC().Format(time.RFC3339Nano), nil
}

func nullable[T float64 | int64](p *T) bigquery.Value {
	if p == nil {
		return nil
	}
	return *p
}

// Schema is the table schema used when EnsureTable creates the table.
func Schema() bigquery.Schema {
	str := func(name string) *bigquery.FieldSchema {
		return &bigquery.FieldSchema{Name: name, Type: bigquery.StringFieldType}
	}
	num := func(name string) *bigquery.FieldSchema {
		return &bigquery.FieldSchema{Name: name, Type: bigquery.FloatFieldType}
	}
	return bigquery.Schema{
		{Name: domain.ColGeohash, Type: bigquery.StringFieldType, Required: true},
		str(domain.ColGeohashBounds),
		num(domain.ColLatitudeSW),
		num(domain.ColLongitudeSW),
		num(domain.ColLatitudeNE),
		num(domain.ColLongitudeNE),
		str(domain.ColLocation),
		num(domain.ColLatitude),
		num(domain.ColLongitude),
		str(domain.ColCity),
		str(domain.ColCounty),
		str(domain.ColState),
		str(domain.ColCountry),
		str(domain.ColISO3166_2),
		num(domain.ColSeverityScore),
		{Name: domain.ColIncidentsTotal, Type: bigquery.IntegerFieldType},
		{Name: domain.ColUpdateDate, Type: bigquery.DateFieldType},
		str(domain.ColVersion),
		{Name: domain.ColInsertedDate, Type: bigquery.TimestampFieldType},
	}
}
