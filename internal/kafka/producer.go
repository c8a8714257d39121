package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes JSON documents keyed by source identity. Retries and
// batching are left to the kafka-go writer.
type Producer struct {
	writer   messageWriter
	config   *Config
	logger   *slog.Logger
	closed   atomic.Bool
	sent     atomic.Int64
	bytes    atomic.Int64
	failures atomic.Int64
}

// ProducerStats is a snapshot of producer counters.
type ProducerStats struct {
	Sent     int64
	Bytes    int64
	Failures int64
}

// NewProducer creates a producer. Each message names its topic, so the
// writer is not bound to one.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := cfg.transport()
	if err != nil {
		return nil, err
	}

	p := cfg.Producer
	w := &kafka.Writer{
		Addr:            kafka.TCP(cfg.Brokers...),
		Balancer:        &kafka.Hash{},
		Compression:     cfg.compression(),
		RequiredAcks:    cfg.requiredAcks(),
		BatchSize:       p.BatchSize,
		BatchTimeout:    p.BatchTimeout,
		MaxAttempts:     p.MaxAttempts,
		WriteBackoffMin: p.BackoffMin,
		WriteBackoffMax: p.BackoffMax,
		WriteTimeout:    p.WriteTimeout,
		Transport:       transport,
		Logger:          writerLogger(logger, slog.LevelDebug, "kafka-writer"),
		ErrorLogger:     writerLogger(logger, slog.LevelError, "kafka-writer"),
	}

	logger.Info("kafka producer ready",
		"brokers", cfg.Brokers,
		"alerts_topic", cfg.Topics.Alerts,
		"incidents_topic", cfg.Topics.Incidents,
		"compression", p.Compression,
	)
	return newProducer(w, cfg, logger), nil
}

func newProducer(w messageWriter, cfg *Config, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: w, config: cfg, logger: logger.With("component", "kafka-producer")}
}

// Publish marshals v and writes it to topic under key.
func (p *Producer) Publish(ctx context.Context, topic, key string, v any) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidMessage)
	}

	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if limit := p.config.Topics.MaxMessageBytes; limit > 0 && len(value) > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidMessage, len(value), limit)
	}

	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value, Time: time.Now()}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failures.Add(1)
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	p.sent.Add(1)
	p.bytes.Add(int64(len(msg.Key) + len(msg.Value)))
	return nil
}

// Stats returns the producer counters.
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Bytes: p.bytes.Load(), Failures: p.failures.Load()}
}

// HealthCheck reports whether the brokers and the alert and incident topics
// are reachable.
func (p *Producer) HealthCheck(ctx context.Context) Health {
	if p.closed.Load() {
		return Health{Error: ErrClosed.Error()}
	}
	return probe(ctx, p.config, p.config.Topics.Alerts, p.config.Topics.Incidents)
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "sent", p.sent.Load(), "failures", p.failures.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}
