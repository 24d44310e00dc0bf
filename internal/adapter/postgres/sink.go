// Package postgres appends datasets to a PostgreSQL table through
// database/sql and the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

const (
	connMaxLifetime time.Duration = 30 * time.Minute
	maxIdleConns    int           = 2
	maxOpenConns    int           = 4

	// DefaultChunkSize caps the rows written by one INSERT statement. The
	// bind parameter limit lowers it further for wide rows.
	DefaultChunkSize = 10000
	// maxBindParams is the PostgreSQL limit on parameters per statement.
	maxBindParams = 65535
)

// columnTypes mirrors the table layout written by earlier loads, in
// domain.OutputColumns order.
var columnTypes = map[string]string{
	domain.ColGeohash:        "VARCHAR(40)",
	domain.ColGeohashBounds:  "VARCHAR",
	domain.ColLatitudeSW:     "DECIMAL(8,6)",
	domain.ColLongitudeSW:    "DECIMAL(9,6)",
	domain.ColLatitudeNE:     "DECIMAL(8,6)",
	domain.ColLongitudeNE:    "DECIMAL(9,6)",
	domain.ColLocation:       "VARCHAR",
	domain.ColLatitude:       "DECIMAL(8,6)",
	domain.ColLongitude:      "DECIMAL(9,6)",
	domain.ColCity:           "VARCHAR(100)",
	domain.ColCounty:         "VARCHAR(100)",
	domain.ColState:          "VARCHAR(50)",
	domain.ColCountry:        "VARCHAR(40)",
	domain.ColISO3166_2:      "VARCHAR(10)",
	domain.ColSeverityScore:  "FLOAT",
	domain.ColIncidentsTotal: "INT",
	domain.ColUpdateDate:     "DATE",
	domain.ColVersion:        "VARCHAR(5)",
	domain.ColInsertedDate:   "TIMESTAMP",
}

// Sink appends datasets to one table. Each Load runs in a single
// transaction, so a failed load leaves the table unchanged.
type Sink struct {
	db        *sql.DB
	table     string
	chunkSize int
	logger    *slog.Logger
}

// Open connects to PostgreSQL with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn, table string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewSink(db, table, logger), nil
}

// NewSink wraps an open database handle.
func NewSink(db *sql.DB, table string, logger *slog.Logger) *Sink {
	chunk := DefaultChunkSize
	if limit := maxBindParams / len(domain.OutputColumns); chunk > limit {
		chunk = limit
	}
	return &Sink{db: db, table: table, chunkSize: chunk, logger: logger}
}

func (s *Sink) Name() string { return "postgres" }

// EnsureTable creates the destination table if it does not exist.
func (s *Sink) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL(s.table)); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Load appends every row of ds in multi-row INSERT batches.
func (s *Sink) Load(ctx context.Context, ds domain.Dataset) (err error) {
	if ds.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmts := make(map[int]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			_ = st.Close()
		}
	}()

	for start := 0; start < ds.Len(); start += s.chunkSize {
		end := min(start+s.chunkSize, ds.Len())
		n := end - start

		st, ok := stmts[n]
		if !ok {
			st, err = tx.PrepareContext(ctx, insertSQL(s.table, n))
			if err != nil {
				return fmt.Errorf("prepare insert: %w", err)
			}
			stmts[n] = st
		}

		args := make([]any, 0, n*len(domain.OutputColumns))
		for i := start; i < end; i++ {
			args = append(args, rowArgs(ds.Rows[i])...)
		}
		if _, err = st.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert rows %d-%d: %w", start, end-1, err)
		}
		s.logger.Debug("postgres chunk written", "table", s.table, "from", start, "rows", n)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}

func rowArgs(a domain.HazardArea) []any {
	return []any{
		a.Geohash,
		a.GeohashBounds,
		nullable(a.LatitudeSW),
		nullable(a.LongitudeSW),
		nullable(a.LatitudeNE),
		nullable(a.LongitudeNE),
		a.Location,
		nullable(a.Latitude),
		nullable(a.Longitude),
		a.City,
		a.County,
		a.State,
		a.Country,
		a.ISO3166_2,
		nullable(a.SeverityScore),
		nullable(a.IncidentsTotal),
		dateArg(a),
		a.Version,
		a.InsertedDate,
	}
}

// nullable binds a nil numeric as NULL.
func nullable[T float64 | int64](p *T) driver.Value {
	if p == nil {
		return nil
	}
	return *p
}

// dateArg stores the zero date as NULL.
func dateArg(a domain.HazardArea) driver.Value {
	if !a.UpdateDate.IsValid() {
		return nil
	}
	return a.UpdateDate.In(time.UTC)
}

func createTableSQL(table string) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(table)
	b.WriteString(" (\n")
	for i, col := range domain.OutputColumns {
		b.WriteString("\t")
		b.WriteString(col)
		b.WriteString(" ")
		b.WriteString(columnTypes[col])
		if i < len(domain.OutputColumns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

func insertSQL(table string, rows int) string {
	cols := len(domain.OutputColumns)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(domain.OutputColumns, ", "))
	b.WriteString(") VALUES ")
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString("$")
			b.WriteString(strconv.Itoa(r*cols + c + 1))
		}
		b.WriteString(")")
	}
	return b.String()
}
