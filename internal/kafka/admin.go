package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// topicCreator is the part of *kafka.Client the admin uses.
type topicCreator interface {
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
}

// Admin provisions the events, alerts and incidents topics.
type Admin struct {
	client topicCreator
	config *Config
	logger *slog.Logger
}

// NewAdmin creates an admin client for cfg's cluster.
func NewAdmin(cfg *Config, logger *slog.Logger) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transport, err := cfg.transport()
	if err != nil {
		return nil, err
	}
	client := &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: cfg.DialTimeout, Transport: transport}
	return newAdmin(client, cfg, logger), nil
}

func newAdmin(client topicCreator, cfg *Config, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{client: client, config: cfg, logger: logger.With("component", "kafka-admin")}
}

func (a *Admin) topicConfigs() []kafka.TopicConfig {
	t := a.config.Topics
	var entries []kafka.ConfigEntry
	if t.Retention > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "retention.ms",
			ConfigValue: strconv.FormatInt(t.Retention.Milliseconds(), 10),
		})
	}
	if t.MaxMessageBytes > 0 {
		entries = append(entries, kafka.ConfigEntry{
			ConfigName:  "max.message.bytes",
			ConfigValue: strconv.Itoa(t.MaxMessageBytes),
		})
	}

	names := []string{t.Events, t.Alerts, t.Incidents}
	configs := make([]kafka.TopicConfig, 0, len(names))
	for _, name := range names {
		configs = append(configs, kafka.TopicConfig{
			Topic:             name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
			ConfigEntries:     entries,
		})
	}
	return configs
}

// EnsureTopics creates any missing topic. Existing topics are left as they are.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	configs := a.topicConfigs()
	resp, err := a.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return fmt.Errorf("kafka: create topics: %w", err)
	}

	var errs []error
	for _, tc := range configs {
		err := resp.Errors[tc.Topic]
		switch {
		case err == nil:
			a.logger.Info("kafka topic created", "topic", tc.Topic, "partitions", tc.NumPartitions)
		case errors.Is(err, kafka.TopicAlreadyExists):
			a.logger.Debug("kafka topic exists", "topic", tc.Topic)
		default:
			errs = append(errs, fmt.Errorf("kafka: create topic %s: %w", tc.Topic, err))
		}
	}
	return errors.Join(errs...)
}
