package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"fieldsense/internal/config"
	"fieldsense/internal/metrics"
	"fieldsense/internal/normalize"
)

const SourceKafka = "kafka"

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer admits ChirpStack or device JSON events from a topic. An offset
// is committed only after every event in the message is admitted or rejected
// as invalid; store outages are retried with backoff.
type KafkaConsumer struct {
	reader     messageReader
	admitter   Admitter
	metrics    *metrics.Registry
	logger     *slog.Logger
	maxBackoff time.Duration
}

func NewKafkaConsumer(cfg config.KafkaConfig, admitter Admitter, reg *metrics.Registry, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return newKafkaConsumer(reader, admitter, reg, logger)
}

func newKafkaConsumer(reader messageReader, admitter Admitter, reg *metrics.Registry, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: reader, admitter: admitter, metrics: reg, logger: logger, maxBackoff: 5 * time.Second}
}

func (k *KafkaConsumer) Run(ctx context.Context) error {
	defer k.reader.Close()
	var backoff time.Duration
	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if k.logger != nil {
				k.logger.Warn("kafka fetch error", "err", err)
			}
			backoff = nextBackoff(backoff, k.maxBackoff)
			if !BackoffSleep(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0
		if !k.handle(ctx, m) {
			return nil
		}
		if err := k.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && k.logger != nil {
			k.logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
		}
	}
}

// handle admits every event in m. It returns false only when ctx ends mid-retry,
// leaving the offset uncommitted.
func (k *KafkaConsumer) handle(ctx context.Context, m kafka.Message) bool {
	items, err := SplitJSON(m.Value)
	if err != nil {
		k.reject(m, err)
		return true
	}
	for _, raw := range items {
		c, err := normalize.Decode(raw)
		if err != nil {
			k.reject(m, err)
			continue
		}
		c.Source = SourceKafka
		var backoff time.Duration
		for {
			_, err := k.admitter.Ingest(ctx, c)
			if err == nil {
				break
			}
			if !Retryable(err) {
				if k.logger != nil {
					k.logger.Warn("kafka event rejected", "device_id", c.DeviceID, "offset", m.Offset, "err", err)
				}
				break
			}
			backoff = nextBackoff(backoff, k.maxBackoff)
			if k.logger != nil {
				k.logger.Warn("store unavailable, retrying kafka event", "offset", m.Offset, "backoff", backoff, "err", err)
			}
			if !BackoffSleep(ctx, backoff) {
				return false
			}
		}
	}
	return true
}

func (k *KafkaConsumer) reject(m kafka.Message, err error) {
	k.metrics.IngestError(SourceKafka)
	if k.logger != nil {
		k.logger.Warn("kafka message decode error", "partition", m.Partition, "offset", m.Offset, "err", err)
	}
}
