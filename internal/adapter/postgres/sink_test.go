package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

const testTable = "hazardous_driving_areas"

var insertedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSink(db, testTable, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func ptr[T any](v T) *T { return &v }

func area(geohash string, date civil.Date) domain.HazardArea {
	return domain.HazardArea{
		Geohash:        geohash,
		GeohashBounds:  "POLYGON((...))",
		LatitudeSW:     ptr(42.84),
		LongitudeSW:    ptr(-106.33),
		LatitudeNE:     ptr(42.85),
		LongitudeNE:    ptr(-106.32),
		Location:       "POINT(-106.325 42.845)",
		Latitude:       ptr(42.845),
		Longitude:      ptr(-106.325),
		City:           "Casper",
		County:         "Natrona",
		State:          "Wyoming",
		Country:        "United States of America",
		ISO3166_2:      "US-WY",
		SeverityScore:  ptr(0.41),
		IncidentsTotal: ptr(int64(17)),
		UpdateDate:     date,
		Version:        "1.0",
		InsertedDate:   insertedAt,
	}
}

func TestNewSink_ChunkSizeRespectsBindLimit(t *testing.T) {
	s, _ := newTestSink(t)
	assert.LessOrEqual(t, s.chunkSize*len(domain.OutputColumns), maxBindParams)
	assert.Positive(t, s.chunkSize)
}

func TestSink_Name(t *testing.T) {
	s, _ := newTestSink(t)
	assert.Equal(t, "postgres", s.Name())
}

func TestCreateTableSQL(t *testing.T) {
	q := createTableSQL(testTable)
	assert.True(t, strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS hazardous_driving_areas ("))
	assert.Contains(t, q, "geohash VARCHAR(40),")
	assert.Contains(t, q, "latitude DECIMAL(8,6),")
	assert.Contains(t, q, "longitude DECIMAL(9,6),")
	assert.Contains(t, q, "update_date DATE,")
	assert.Contains(t, q, "inserted_date TIMESTAMP\n)")
	for _, col := range domain.OutputColumns {
		assert.NotEmpty(t, columnTypes[col], col)
	}
}

func TestInsertSQL(t *testing.T) {
	q := insertSQL("t", 2)
	assert.True(t, strings.HasPrefix(q, "INSERT INTO t (geohash, geohash_bounds, "))
	assert.Contains(t, q, "($1, $2, ")
	assert.Contains(t, q, "$19), ($20, ")
	assert.True(t, strings.HasSuffix(q, "$38)"))
}

func TestSink_EnsureTable(t *testing.T) {
	s, mock := newTestSink(t)
	mock.ExpectExec(createTableSQL(testTable)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureTable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_EnsureTableError(t *testing.T) {
	s, mock := newTestSink(t)
	mock.ExpectExec(createTableSQL(testTable)).WillReturnError(errors.New("permission denied"))

	err := s.EnsureTable(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create table hazardous_driving_areas")
}

func TestSink_LoadSingleTransaction(t *testing.T) {
	s, mock := newTestSink(t)
	date := civil.Date{Year: 2024, Month: time.February, Day: 26}
	rows := []domain.HazardArea{area("9xhq1", date), area("9xhq2", civil.Date{})}

	args := make([]driver.Value, 0, 2*len(domain.OutputColumns))
	for _, r := range rows {
		for _, a := range rowArgs(r) {
			args = append(args, a)
		}
	}

	mock.ExpectBegin()
	mock.ExpectPrepare(insertSQL(testTable, 2)).
		ExpectExec().
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := s.Load(context.Background(), domain.Dataset{Rows: rows})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRowArgs_NullDate(t *testing.T) {
	withDate := rowArgs(area("a", civil.Date{Year: 2024, Month: time.February, Day: 26}))
	withoutDate := rowArgs(area("a", civil.Date{}))

	assert.Len(t, withDate, len(domain.OutputColumns))
	assert.Equal(t, time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC), withDate[16])
	assert.Nil(t, withoutDate[16])
	assert.Equal(t, insertedAt, withDate[18])
}

func TestRowArgs_NullNumerics(t *testing.T) {
	a := area("a", civil.Date{})
	a.LatitudeSW = nil
	a.SeverityScore = nil
	a.IncidentsTotal = nil

	args := rowArgs(a)
	assert.Nil(t, args[2])
	assert.Equal(t, -106.33, args[3])
	assert.Nil(t, args[14])
	assert.Nil(t, args[15])
	assert.Equal(t, 42.845, rowArgs(area("b", civil.Date{}))[7])
	assert.Equal(t, int64(17), rowArgs(area("b", civil.Date{}))[15])
}

func TestSink_LoadNullNumerics(t *testing.T) {
	s, mock := newTestSink(t)
	a := area("9xhq1", civil.Date{})
	a.SeverityScore = nil

	args := make([]driver.Value, 0, len(domain.OutputColumns))
	for _, v := range rowArgs(a) {
		args = append(args, v)
	}

	mock.ExpectBegin()
	mock.ExpectPrepare(insertSQL(testTable, 1)).
		ExpectExec().
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Load(context.Background(), domain.Dataset{Rows: []domain.HazardArea{a}}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_LoadChunks(t *testing.T) {
	s, mock := newTestSink(t)
	s.chunkSize = 2

	rows := []domain.HazardArea{
		area("a", civil.Date{}), area("b", civil.Date{}),
		area("c", civil.Date{}), area("d", civil.Date{}),
		area("e", civil.Date{}),
	}

	mock.ExpectBegin()
	full := mock.ExpectPrepare(insertSQL(testTable, 2))
	full.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	full.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectPrepare(insertSQL(testTable, 1)).
		ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Load(context.Background(), domain.Dataset{Rows: rows}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_LoadRollsBackOnError(t *testing.T) {
	s, mock := newTestSink(t)
	rows := []domain.HazardArea{area("a", civil.Date{})}

	mock.ExpectBegin()
	mock.ExpectPrepare(insertSQL(testTable, 1)).
		ExpectExec().
		WillReturnError(errors.New("value too long for type character varying(5)"))
	mock.ExpectRollback()

	err := s.Load(context.Background(), domain.Dataset{Rows: rows})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert rows 0-0")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSink_LoadBeginError(t *testing.T) {
	s, mock := newTestSink(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	err := s.Load(context.Background(), domain.Dataset{Rows: []domain.HazardArea{area("a", civil.Date{})}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin transaction")
}

func TestSink_LoadEmpty(t *testing.T) {
	s, mock := newTestSink(t)
	require.NoError(t, s.Load(context.Background(), domain.Dataset{}))
	require.NoError(t, mock.ExpectationsWereMet())
}
