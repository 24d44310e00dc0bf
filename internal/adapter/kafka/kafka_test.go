package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// --- mocks ---

type recordingWriter struct {
	batches [][]kafkago.Message
	err     error
	closed  bool
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, msgs)
	return nil
}

func (r *recordingWriter) Close() error {
	r.closed = true
	return nil
}

func newTestWriter(rec *recordingWriter) *Writer {
	return &Writer{writer: rec, topic: "hazardous-driving-areas", logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func ptr[T any](v T) *T { return &v }

func testArea(geohash string) domain.HazardArea {
	return domain.HazardArea{
		Geohash:        geohash,
		City:           "Cheyenne",
		State:          "Wyoming",
		Latitude:       ptr(41.14),
		Longitude:      ptr(-104.82),
		IncidentsTotal: ptr(int64(4)),
		UpdateDate:     civil.Date{Year: 2024, Month: time.February, Day: 26},
		Version:        "1.0",
		InsertedDate:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSerializeToMessage(t *testing.T) {
	msg, err := serializeToMessage(testArea("9xjq8"))
	require.NoError(t, err)

	assert.Equal(t, []byte("9xjq8"), msg.Key)
	assert.Contains(t, string(msg.Value), `"city":"Cheyenne"`)
	assert.Contains(t, string(msg.Value), `"update_date":"2024-02-26"`)
	assert.Contains(t, string(msg.Value), `"incidents_total":4`)
	assert.Len(t, msg.Headers, 2)
	assert.Equal(t, "state", msg.Headers[0].Key)
	assert.Equal(t, []byte("Wyoming"), msg.Headers[0].Value)
	assert.Equal(t, "inserted_date", msg.Headers[1].Key)
	assert.Equal(t, []byte("2024-03-01T12:00:00Z"), msg.Headers[1].Value)
}

func TestSerializeToMessage_NullDate(t *testing.T) {
	area := testArea("9xjq8")
	area.UpdateDate = civil.Date{}

	msg, err := serializeToMessage(area)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	v, ok := decoded["update_date"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, "9xjq8", decoded["geohash"])
}

func TestSerializeToMessage_NullNumerics(t *testing.T) {
	area := testArea("9xjq8")
	area.Latitude = nil
	area.IncidentsTotal = nil

	msg, err := serializeToMessage(area)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	for _, col := range []string{domain.ColLatitude, domain.ColIncidentsTotal, domain.ColSeverityScore} {
		v, ok := decoded[col]
		assert.True(t, ok, col)
		assert.Nil(t, v, col)
	}
	assert.InDelta(t, -104.82, decoded[domain.ColLongitude], 1e-9)
}

func TestWriter_LoadBatches(t *testing.T) {
	rec := &recordingWriter{}
	w := newTestWriter(rec)

	rows := make([]domain.HazardArea, batchSize+3)
	for i := range rows {
		rows[i] = testArea("g")
	}
	require.NoError(t, w.Load(context.Background(), domain.Dataset{Rows: rows}))

	require.Len(t, rec.batches, 2)
	assert.Len(t, rec.batches[0], batchSize)
	assert.Len(t, rec.batches[1], 3)
}

func TestWriter_LoadEmpty(t *testing.T) {
	rec := &recordingWriter{}
	require.NoError(t, newTestWriter(rec).Load(context.Background(), domain.Dataset{}))
	assert.Empty(t, rec.batches)
}

func TestWriter_LoadError(t *testing.T) {
	rec := &recordingWriter{err: errors.New("leader not available")}
	err := newTestWriter(rec).Load(context.Background(), domain.Dataset{Rows: []domain.HazardArea{testArea("g")}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write messages to hazardous-driving-areas")
}

func TestWriter_NameAndClose(t *testing.T) {
	rec := &recordingWriter{}
	w := newTestWriter(rec)
	assert.Equal(t, "kafka", w.Name())
	require.NoError(t, w.Close())
	assert.True(t, rec.closed)
}
