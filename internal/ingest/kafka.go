package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"govoracle/internal/config"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// StartKafka consumes reviewer verdicts from the reviews topic until ctx is
// done. Offsets are committed by the consumer group on read, so a review
// that fails to apply is logged and not redelivered.
func StartKafka(ctx context.Context, cfg *config.Manager, applier *Applier, logger *slog.Logger) {
	current := cfg.Get().Kafka.Reviews
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka review ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka review ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	go consume(ctx, reader, NewParser(), applier, logger)
}

func consume(ctx context.Context, reader messageReader, parser *Parser, applier *Applier, logger *slog.Logger) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, 0) {
				return
			}
			continue
		}
		review, err := parser.ParseLine(string(m.Value))
		if err != nil {
			if logger != nil {
				logger.Warn("kafka review unparseable", "partition", m.Partition, "offset", m.Offset, "err", err)
			}
			continue
		}
		if review == nil {
			continue
		}
		if review.Source == "" {
			review.Source = "kafka"
		}
		_ = applier.Apply(ctx, *review)
	}
}
