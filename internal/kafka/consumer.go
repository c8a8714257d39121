package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one consumed record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// MessageHandler processes one message. Returning nil commits its offset.
// An error redelivers the same message after a backoff, so handlers return
// errors only for transient failures.
type MessageHandler func(ctx context.Context, msg Message) error

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads the events topic as a member of the consumer group.
type Consumer struct {
	reader  messageReader
	config  *Config
	handler MessageHandler
	logger  *slog.Logger

	running atomic.Bool
	closed  atomic.Bool

	consumed   atomic.Int64
	redelivers atomic.Int64
	failures   atomic.Int64
	lastOffset atomic.Int64
}

// ConsumerStats is a snapshot of consumer counters.
type ConsumerStats struct {
	Consumed    int64
	Redelivered int64
	Failures    int64
	LastOffset  int64
}

// NewConsumer creates a consumer that passes each events-topic message to
// handler.
func NewConsumer(cfg *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	c := cfg.Consumer
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           c.Group,
		Topic:             cfg.Topics.Events,
		Dialer:            dialer,
		MinBytes:          c.MinBytes,
		MaxBytes:          c.MaxBytes,
		MaxWait:           c.MaxWait,
		StartOffset:       cfg.startOffset(),
		HeartbeatInterval: c.HeartbeatInterval,
		SessionTimeout:    c.SessionTimeout,
		RebalanceTimeout:  c.RebalanceTimeout,
		// Offsets are committed explicitly once the handler succeeds.
		CommitInterval: 0,
		Logger:         writerLogger(logger, slog.LevelDebug, "kafka-reader"),
		ErrorLogger:    writerLogger(logger, slog.LevelError, "kafka-reader"),
	})

	logger.Info("kafka consumer ready",
		"brokers", cfg.Brokers,
		"topic", cfg.Topics.Events,
		"group", c.Group,
		"start_offset", c.StartOffset,
	)
	return newConsumer(r, cfg, handler, logger), nil
}

func newConsumer(r messageReader, cfg *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:  r,
		config:  cfg,
		handler: handler,
		logger:  logger.With("component", "kafka-consumer"),
	}
}

// Run consumes until ctx is cancelled or the consumer is closed. A message
// is committed only after the handler accepts it.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.logger.Info("consuming", "topic", c.config.Topics.Events)

	for {
		if c.closed.Load() {
			return ErrClosed
		}

		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() {
				return ErrClosed
			}
			c.failures.Add(1)
			c.logger.Warn("fetch failed", "error", err)
			if !sleep(ctx, c.config.Consumer.RetryBackoff) {
				return ctx.Err()
			}
			continue
		}

		if err := c.deliver(ctx, m); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failures.Add(1)
			c.logger.Error("commit failed", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
		c.consumed.Add(1)
		c.lastOffset.Store(m.Offset)
	}
}

// deliver calls the handler until it succeeds. It returns only ctx errors.
func (c *Consumer) deliver(ctx context.Context, m kafka.Message) error {
	msg := Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}

	backoff := c.config.Consumer.RetryBackoff
	for {
		err := c.call(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.failures.Add(1)
		c.redelivers.Add(1)
		c.logger.Warn("handler failed, redelivering",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"backoff", backoff,
			"error", err,
		)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if max := c.config.Consumer.MaxBackoff; max > 0 && backoff > max {
			backoff = max
		}
	}
}

func (c *Consumer) call(ctx context.Context, msg Message) error {
	if d := c.config.Consumer.HandlerTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return c.handler(ctx, msg)
}

// sleep waits for d or until ctx ends. It reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stats returns the consumer counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed:    c.consumed.Load(),
		Redelivered: c.redelivers.Load(),
		Failures:    c.failures.Load(),
		LastOffset:  c.lastOffset.Load(),
	}
}

// HealthCheck reports whether the consumer is running and the events topic
// is reachable.
func (c *Consumer) HealthCheck(ctx context.Context) Health {
	if c.closed.Load() {
		return Health{Error: ErrClosed.Error()}
	}
	h := probe(ctx, c.config, c.config.Topics.Events)
	if h.Healthy && !c.running.Load() {
		h.Healthy = false
		h.Error = "consumer not running"
	}
	return h
}

// Close closes the reader. A running Run returns soon after.
func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info("closing kafka consumer", "consumed", c.consumed.Load(), "redelivered", c.redelivers.Load())
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: close consumer: %w", err)
	}
	return nil
}
