package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// batchSize is the number of messages handed to one WriteMessages call.
const batchSize = 1000

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer publishes each hazard area as one JSON message keyed by geohash.
// It implements pipeline.SinkWriter.
type Writer struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the given sink topic.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &Writer{writer: w, topic: topic, logger: logger}
}

func (w *Writer) Name() string { return "kafka" }

// Load serializes and publishes the dataset in batches. Messages with the
// same geohash land on the same partition.
func (w *Writer) Load(ctx context.Context, ds domain.Dataset) error {
	for start := 0; start < ds.Len(); start += batchSize {
		end := min(start+batchSize, ds.Len())
		msgs := make([]kafkago.Message, 0, end-start)
		for i := start; i < end; i++ {
			msg, err := serializeToMessage(ds.Rows[i])
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
			return fmt.Errorf("write messages to %s: %w", w.topic, err)
		}
	}
	w.logger.Debug("kafka messages written", "topic", w.topic, "count", ds.Len())
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// areaRecord overrides update_date so a missing date is encoded as null.
type areaRecord struct {
	domain.HazardArea
	UpdateDate *string `json:"update_date"`
}

func serializeToMessage(area domain.HazardArea) (kafkago.Message, error) {
	rec := areaRecord{HazardArea: area}
	if area.UpdateDate.IsValid() {
		d := area.UpdateDate.String()
		rec.UpdateDate = &d
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize hazard area %s: %w", area.Geohash, err)
	}
	return kafkago.Message{
		Key:   []byte(area.Geohash),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "state", Value: []byte(area.State)},
			{Key: "inserted_date", Value: []byte(area.InsertedDate.Format(time.RFC3339))},
		},
	}, nil
}
