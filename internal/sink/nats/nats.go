package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/mehmetymw/tablewatch/internal/types"
)

// Sink publishes change batches to a NATS subject, one message per batch.
type Sink struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

type batchMessage struct {
	Table   string                       `json:"table"`
	Count   int                          `json:"count"`
	Records []types.DetailedChangeRecord `json:"records"`
}

func New(url, subject string, logger *zap.Logger) (*Sink, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("nats sink created",
		zap.String("url", url), zap.String("subject", subject))
	return &Sink{conn: conn, subject: subject, logger: logger}, nil
}

func (s *Sink) Publish(ctx context.Context, table string, batch []types.DetailedChangeRecord) error {
	if len(batch) == 0 {
		return nil
	}
	data, err := json.Marshal(batchMessage{Table: table, Count: len(batch), Records: batch})
	if err != nil {
		return fmt.Errorf("marshal change batch: %w", err)
	}
	if err := s.conn.Publish(s.subject+"."+table, data); err != nil {
		return fmt.Errorf("publish to nats: %w", err)
	}
	s.logger.Debug("batch published",
		zap.String("table", table), zap.Int("records", len(batch)))
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}
