package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"govoracle/internal/config"
	"govoracle/internal/model"
)

// Publisher forwards a finished decision to an external sink.
type Publisher interface {
	Publish(ctx context.Context, d model.Decision) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	w      messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher returns nil when decision publishing is disabled.
func NewKafkaPublisher(cfg config.KafkaTopicConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("decision publishing disabled")
		}
		return nil, nil
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka.decisions requires brokers and topic")
	}
	if logger != nil {
		logger.Info("decision publishing enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}, nil
}

// Publish keys messages by org so one org's decisions stay ordered within a
// partition.
func (p *KafkaPublisher) Publish(ctx context.Context, d model.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.OrgID),
		Value: payload,
		Time:  d.DecidedAt,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(d.Outcome)},
			{Key: "request_id", Value: []byte(d.RequestID)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
