package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Event, counters *metrics.Store, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		consumeKafka(ctx, reader, out, counters, logger)
	}()
}

func consumeKafka(ctx context.Context, reader messageReader, out chan<- model.Event, counters *metrics.Store, logger *slog.Logger) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		ev, ok, err := DecodeLine(m.Value, time.Now())
		if err != nil {
			if counters != nil {
				counters.Inc(metrics.EventsInvalid)
			}
			if logger != nil {
				logger.Warn("kafka decode error", "topic", m.Topic, "partition", m.Partition, "offset", m.Offset, "err", err)
			}
			continue
		}
		if !ok {
			continue
		}
		if ev.Source == "" {
			ev.Source = "kafka"
		}
		SendNonBlocking(ctx, out, ev, counters, logger)
	}
}
