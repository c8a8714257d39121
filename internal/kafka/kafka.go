// Package kafka carries events into threatline and alerts and incidents out
// of it.
package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

var (
	ErrClosed         = errors.New("kafka: closed")
	ErrAlreadyRunning = errors.New("kafka: consumer already running")
	ErrInvalidMessage = errors.New("kafka: invalid message")
)

// Config describes the cluster and how threatline uses it.
type Config struct {
	Brokers     []string      `json:"brokers" yaml:"brokers"`
	ClientID    string        `json:"client_id" yaml:"client_id"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" validate:"gte=0"`

	Topics   TopicsConfig   `json:"topics" yaml:"topics"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Producer ProducerConfig `json:"producer" yaml:"producer"`
	Consumer ConsumerConfig `json:"consumer" yaml:"consumer"`
}

// TopicsConfig names the topics and how they are provisioned.
type TopicsConfig struct {
	// Events is the ingress topic.
	Events    string `json:"events" yaml:"events"`
	Alerts    string `json:"alerts" yaml:"alerts"`
	Incidents string `json:"incidents" yaml:"incidents"`

	// Ensure creates missing topics at startup.
	Ensure            bool          `json:"ensure" yaml:"ensure"`
	Partitions        int           `json:"partitions" yaml:"partitions" validate:"gte=0"`
	ReplicationFactor int           `json:"replication_factor" yaml:"replication_factor" validate:"gte=0"`
	Retention         time.Duration `json:"retention" yaml:"retention" validate:"gte=0"`
	MaxMessageBytes   int           `json:"max_message_bytes" yaml:"max_message_bytes" validate:"gte=0"`
}

// SecurityConfig selects transport encryption and authentication.
type SecurityConfig struct {
	Protocol string     `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=PLAINTEXT SSL SASL_PLAINTEXT SASL_SSL"`
	SASL     SASLConfig `json:"sasl" yaml:"sasl"`
	TLS      TLSConfig  `json:"tls" yaml:"tls"`
}

// SASLConfig holds SASL credentials.
type SASLConfig struct {
	Mechanism string `json:"mechanism" yaml:"mechanism" validate:"omitempty,oneof=PLAIN SCRAM-SHA-256 SCRAM-SHA-512"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`
}

// TLSConfig points at PEM files. An empty CAFile uses the system pool.
type TLSConfig struct {
	CAFile             string `json:"ca_file" yaml:"ca_file"`
	CertFile           string `json:"cert_file" yaml:"cert_file"`
	KeyFile            string `json:"key_file" yaml:"key_file"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ProducerConfig tunes alert and incident publishing.
type ProducerConfig struct {
	Compression  string        `json:"compression" yaml:"compression" validate:"omitempty,oneof=none gzip snappy lz4 zstd"`
	RequiredAcks string        `json:"required_acks" yaml:"required_acks" validate:"omitempty,oneof=all leader none"`
	BatchSize    int           `json:"batch_size" yaml:"batch_size" validate:"gte=0"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout" validate:"gte=0"`
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	BackoffMin   time.Duration `json:"backoff_min" yaml:"backoff_min" validate:"gte=0"`
	BackoffMax   time.Duration `json:"backoff_max" yaml:"backoff_max" validate:"gte=0"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
}

// ConsumerConfig tunes event ingress.
type ConsumerConfig struct {
	Group string `json:"group" yaml:"group"`
	// StartOffset applies when the group has no committed offset.
	StartOffset       string        `json:"start_offset" yaml:"start_offset" validate:"omitempty,oneof=earliest latest"`
	MinBytes          int           `json:"min_bytes" yaml:"min_bytes" validate:"gte=0"`
	MaxBytes          int           `json:"max_bytes" yaml:"max_bytes" validate:"gte=0"`
	MaxWait           time.Duration `json:"max_wait" yaml:"max_wait" validate:"gte=0"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gte=0"`
	SessionTimeout    time.Duration `json:"session_timeout" yaml:"session_timeout" validate:"gte=0"`
	RebalanceTimeout  time.Duration `json:"rebalance_timeout" yaml:"rebalance_timeout" validate:"gte=0"`
	// HandlerTimeout bounds one handler call.
	HandlerTimeout time.Duration `json:"handler_timeout" yaml:"handler_timeout" validate:"gte=0"`
	// RetryBackoff is the first delay before a failed message is redelivered;
	// it doubles up to MaxBackoff.
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff" validate:"gte=0"`
	MaxBackoff   time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
}

// DefaultConfig returns the configuration for a local single-broker cluster.
func DefaultConfig() *Config {
	return &Config{
		Brokers:     []string{"localhost:9092"},
		ClientID:    "threatline",
		DialTimeout: 10 * time.Second,
		Topics: TopicsConfig{
			Events:            "security-events",
			Alerts:            "threatline-alerts",
			Incidents:         "threatline-incidents",
			Partitions:        6,
			ReplicationFactor: 1,
			Retention:         7 * 24 * time.Hour,
			MaxMessageBytes:   1 << 20,
		},
		Security: SecurityConfig{Protocol: "PLAINTEXT"},
		Producer: ProducerConfig{
			Compression:  "lz4",
			RequiredAcks: "all",
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  4,
			BackoffMin:   100 * time.Millisecond,
			BackoffMax:   2 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Consumer: ConsumerConfig{
			Group:             "threatline",
			StartOffset:       "earliest",
			MinBytes:          1,
			MaxBytes:          10 << 20,
			MaxWait:           500 * time.Millisecond,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    30 * time.Second,
			RebalanceTimeout:  60 * time.Second,
			HandlerTimeout:    30 * time.Second,
			RetryBackoff:      100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
		},
	}
}

var validate = validator.New()

// Validate checks the configuration before any connection is made.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("kafka: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("kafka: %w", err)
	}
	if c.Topics.Events == "" || c.Topics.Alerts == "" || c.Topics.Incidents == "" {
		return errors.New("kafka: events, alerts and incidents topics are required")
	}
	if c.Topics.Ensure && (c.Topics.Partitions < 1 || c.Topics.ReplicationFactor < 1) {
		return errors.New("kafka: partitions and replication factor must be at least 1 to create topics")
	}
	if c.Security.usesSASL() {
		if c.Security.SASL.Mechanism == "" {
			return fmt.Errorf("kafka: protocol %s needs a SASL mechanism", c.Security.Protocol)
		}
		if c.Security.SASL.Username == "" || c.Security.SASL.Password == "" {
			return errors.New("kafka: SASL username and password are required")
		}
	}
	return nil
}

func (s SecurityConfig) usesSASL() bool {
	return s.Protocol == "SASL_PLAINTEXT" || s.Protocol == "SASL_SSL"
}

func (s SecurityConfig) usesTLS() bool {
	return s.Protocol == "SSL" || s.Protocol == "SASL_SSL"
}

// tlsConfig returns nil when the protocol is not encrypted.
func (s SecurityConfig) tlsConfig() (*tls.Config, error) {
	if !s.usesTLS() {
		return nil, nil
	}
	if s.TLS.InsecureSkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled")
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	if s.TLS.CAFile != "" {
		pem, err := os.ReadFile(s.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", s.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}
	if s.TLS.CertFile != "" || s.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// mechanism returns nil when the protocol is not authenticated.
func (s SecurityConfig) mechanism() (sasl.Mechanism, error) {
	if !s.usesSASL() {
		return nil, nil
	}
	switch s.SASL.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.SASL.Username, Password: s.SASL.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.SASL.Username, s.SASL.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.SASL.Username, s.SASL.Password)
	}
	return nil, fmt.Errorf("unsupported SASL mechanism %q", s.SASL.Mechanism)
}

// dialer is used by the consumer group reader.
func (c *Config) dialer() (*kafka.Dialer, error) {
	tlsCfg, err := c.Security.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	mech, err := c.Security.mechanism()
	if err != nil {
		return nil, fmt.Errorf("kafka: %w", err)
	}
	return &kafka.Dialer{
		ClientID:      c.ClientID,
		Timeout:       c.DialTimeout,
		DualStack:     true,
		TLS:           tlsCfg,
		SASLMechanism: mech,
	}, nil
}

// transport is shared by the writer and the admin client.
func (c *Config) transport() (*kafka.Transport, error) {
	d, err := c.dialer()
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{
		ClientID:    c.ClientID,
		DialTimeout: c.DialTimeout,
		TLS:         d.TLS,
		SASL:        d.SASLMechanism,
	}, nil
}

func (c *Config) compression() kafka.Compression {
	switch c.Producer.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	}
	return 0
}

func (c *Config) requiredAcks() kafka.RequiredAcks {
	switch c.Producer.RequiredAcks {
	case "leader":
		return kafka.RequireOne
	case "none":
		return kafka.RequireNone
	}
	return kafka.RequireAll
}

func (c *Config) startOffset() int64 {
	if c.Consumer.StartOffset == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

// Health is the result of a broker probe.
type Health struct {
	Healthy bool          `json:"healthy"`
	Brokers int           `json:"brokers"`
	Latency time.Duration `json:"latency"`
	// Missing lists configured topics the cluster does not have.
	Missing []string `json:"missing,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Err returns the probe failure as an error, or nil when healthy.
func (h Health) Err() error {
	if h.Healthy {
		return nil
	}
	if h.Error != "" {
		return errors.New(h.Error)
	}
	if len(h.Missing) > 0 {
		return fmt.Errorf("kafka: missing topics %v", h.Missing)
	}
	return errors.New("kafka: unhealthy")
}

// probe fetches cluster metadata for the given topics.
func probe(ctx context.Context, cfg *Config, topics ...string) Health {
	transport, err := cfg.transport()
	if err != nil {
		return Health{Error: err.Error()}
	}
	client := &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: cfg.DialTimeout, Transport: transport}

	start := time.Now()
	md, err := client.Metadata(ctx, &kafka.MetadataRequest{Topics: topics})
	if err != nil {
		return Health{Error: fmt.Sprintf("metadata: %v", err)}
	}

	h := Health{Brokers: len(md.Brokers), Latency: time.Since(start)}
	for _, t := range md.Topics {
		if t.Error != nil {
			h.Missing = append(h.Missing, t.Name)
		}
	}
	h.Healthy = h.Brokers > 0 && len(h.Missing) == 0
	return h
}

// writerLogger routes kafka-go's internal logging to slog.
func writerLogger(logger *slog.Logger, level slog.Level, component string) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		logger.Log(context.Background(), level, fmt.Sprintf(msg, args...), "component", component)
	}
}
