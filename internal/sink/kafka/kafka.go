package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/types"
	"github.com/mehmetymw/tablewatch/internal/util"
)

// Sink publishes change batches as JSON messages, one message per record,
// keyed by table and primary key so per-row ordering survives partitioning.
type Sink struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

type message struct {
	Table      string         `json:"table"`
	Op         string         `json:"op"`
	PrimaryKey map[string]any `json:"primary_key"`
	Position   string         `json:"position"`
	Timestamp  time.Time      `json:"timestamp"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

func New(brokers []string, topic string, logger *zap.Logger) (*Sink, error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}

	logger.Info("kafka sink created",
		zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &Sink{writer: writer, topic: topic, logger: logger}, nil
}

func (s *Sink) Publish(ctx context.Context, table string, batch []types.DetailedChangeRecord) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, rec := range batch {
		data, err := json.Marshal(message{
			Table:      rec.Table,
			Op:         string(rec.Operation),
			PrimaryKey: rec.PrimaryKey,
			Position:   string(rec.Position),
			Timestamp:  rec.Timestamp,
			Before:     rec.Before,
			After:      rec.After,
		})
		if err != nil {
			return fmt.Errorf("marshal change record: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(table + ":" + util.PrimaryKeyString(rec.PrimaryKey)),
			Value: data,
			Time:  rec.Timestamp,
		})
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	s.logger.Debug("batch published",
		zap.String("table", table), zap.Int("records", len(msgs)))
	return nil
}

func (s *Sink) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
