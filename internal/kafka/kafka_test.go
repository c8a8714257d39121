package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Topics.Events != "security-events" {
		t.Errorf("events topic = %q", cfg.Topics.Events)
	}
	if cfg.Consumer.Group == "" {
		t.Error("expected a default consumer group")
	}
	if cfg.Topics.Ensure {
		t.Error("topic creation should be opt-in")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "no brokers", modify: func(c *Config) { c.Brokers = nil }, wantErr: "broker"},
		{name: "no alerts topic", modify: func(c *Config) { c.Topics.Alerts = "" }, wantErr: "topics are required"},
		{name: "bad compression", modify: func(c *Config) { c.Producer.Compression = "brotli" }, wantErr: "Compression"},
		{name: "bad acks", modify: func(c *Config) { c.Producer.RequiredAcks = "some" }, wantErr: "RequiredAcks"},
		{name: "bad start offset", modify: func(c *Config) { c.Consumer.StartOffset = "middle" }, wantErr: "StartOffset"},
		{name: "negative backoff", modify: func(c *Config) { c.Consumer.RetryBackoff = -time.Second }, wantErr: "RetryBackoff"},
		{name: "bad protocol", modify: func(c *Config) { c.Security.Protocol = "HTTP" }, wantErr: "Protocol"},
		{
			name: "ensure without partitions",
			modify: func(c *Config) {
				c.Topics.Ensure = true
				c.Topics.Partitions = 0
			},
			wantErr: "partitions",
		},
		{
			name:    "sasl without mechanism",
			modify:  func(c *Config) { c.Security.Protocol = "SASL_PLAINTEXT" },
			wantErr: "SASL mechanism",
		},
		{
			name: "sasl without password",
			modify: func(c *Config) {
				c.Security.Protocol = "SASL_PLAINTEXT"
				c.Security.SASL = SASLConfig{Mechanism: "PLAIN", Username: "svc"}
			},
			wantErr: "password",
		},
		{
			name: "sasl complete",
			modify: func(c *Config) {
				c.Security.Protocol = "SASL_PLAINTEXT"
				c.Security.SASL = SASLConfig{Mechanism: "SCRAM-SHA-512", Username: "svc", Password: "pw"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestProducerSettings(t *testing.T) {
	cfg := DefaultConfig()

	codecs := map[string]kafka.Compression{
		"":       0,
		"none":   0,
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
	}
	for name, want := range codecs {
		cfg.Producer.Compression = name
		if got := cfg.compression(); got != want {
			t.Errorf("compression(%q) = %v, want %v", name, got, want)
		}
	}

	acks := map[string]kafka.RequiredAcks{
		"all":    kafka.RequireAll,
		"":       kafka.RequireAll,
		"leader": kafka.RequireOne,
		"none":   kafka.RequireNone,
	}
	for name, want := range acks {
		cfg.Producer.RequiredAcks = name
		if got := cfg.requiredAcks(); got != want {
			t.Errorf("requiredAcks(%q) = %v, want %v", name, got, want)
		}
	}

	cfg.Consumer.StartOffset = "latest"
	if cfg.startOffset() != kafka.LastOffset {
		t.Error("latest should map to LastOffset")
	}
	cfg.Consumer.StartOffset = "earliest"
	if cfg.startOffset() != kafka.FirstOffset {
		t.Error("earliest should map to FirstOffset")
	}
}

func TestSecurity(t *testing.T) {
	t.Run("plaintext", func(t *testing.T) {
		d, err := DefaultConfig().dialer()
		if err != nil {
			t.Fatal(err)
		}
		if d.TLS != nil || d.SASLMechanism != nil {
			t.Error("plaintext dialer should carry neither TLS nor SASL")
		}
	})

	t.Run("ssl", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Security.Protocol = "SSL"
		tr, err := cfg.transport()
		if err != nil {
			t.Fatal(err)
		}
		if tr.TLS == nil || tr.TLS.MinVersion != 0x0303 {
			t.Errorf("expected TLS 1.2 minimum, got %+v", tr.TLS)
		}
		if tr.SASL != nil {
			t.Error("SSL should not authenticate")
		}
	})

	t.Run("missing CA file", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Security.Protocol = "SSL"
		cfg.Security.TLS.CAFile = t.TempDir() + "/absent.pem"
		if _, err := cfg.dialer(); err == nil {
			t.Fatal("expected an error for a missing CA file")
		}
	})

	for _, mech := range []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"} {
		t.Run(mech, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Security.Protocol = "SASL_SSL"
			cfg.Security.SASL = SASLConfig{Mechanism: mech, Username: "svc", Password: "pw"}
			d, err := cfg.dialer()
			if err != nil {
				t.Fatal(err)
			}
			if d.TLS == nil {
				t.Error("SASL_SSL should encrypt")
			}
			if d.SASLMechanism == nil || d.SASLMechanism.Name() != mech {
				t.Errorf("mechanism = %v, want %s", d.SASLMechanism, mech)
			}
		})
	}
}

func TestHealthErr(t *testing.T) {
	if err := (Health{Healthy: true}).Err(); err != nil {
		t.Errorf("healthy probe returned %v", err)
	}
	if err := (Health{Error: "metadata: refused"}).Err(); err == nil || err.Error() != "metadata: refused" {
		t.Errorf("err = %v", err)
	}
	err := (Health{Brokers: 1, Missing: []string{"threatline-alerts"}}).Err()
	if err == nil || !strings.Contains(err.Error(), "threatline-alerts") {
		t.Errorf("err = %v, want missing topic named", err)
	}
}

type fakeCreator struct {
	req  *kafka.CreateTopicsRequest
	errs map[string]error
	err  error
}

func (f *fakeCreator) CreateTopics(_ context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &kafka.CreateTopicsResponse{Errors: f.errs}, nil
}

func TestAdminEnsureTopics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topics.Retention = 48 * time.Hour
	cfg.Topics.MaxMessageBytes = 2048

	creator := &fakeCreator{errs: map[string]error{
		cfg.Topics.Events: kafka.TopicAlreadyExists,
	}}
	admin := newAdmin(creator, cfg, quietLogger())

	if err := admin.EnsureTopics(context.Background()); err != nil {
		t.Fatalf("existing topic should not fail: %v", err)
	}
	if len(creator.req.Topics) != 3 {
		t.Fatalf("requested %d topics, want 3", len(creator.req.Topics))
	}

	tc := creator.req.Topics[1]
	if tc.Topic != cfg.Topics.Alerts || tc.NumPartitions != cfg.Topics.Partitions {
		t.Errorf("unexpected topic config %+v", tc)
	}
	entries := map[string]string{}
	for _, e := range tc.ConfigEntries {
		entries[e.ConfigName] = e.ConfigValue
	}
	if entries["retention.ms"] != "172800000" {
		t.Errorf("retention.ms = %q", entries["retention.ms"])
	}
	if entries["max.message.bytes"] != "2048" {
		t.Errorf("max.message.bytes = %q", entries["max.message.bytes"])
	}
}

func TestAdminEnsureTopics_Errors(t *testing.T) {
	cfg := DefaultConfig()

	creator := &fakeCreator{errs: map[string]error{
		cfg.Topics.Incidents: kafka.PolicyViolation,
	}}
	err := newAdmin(creator, cfg, quietLogger()).EnsureTopics(context.Background())
	if err == nil || !strings.Contains(err.Error(), cfg.Topics.Incidents) {
		t.Fatalf("err = %v, want the failing topic named", err)
	}

	down := &fakeCreator{err: errors.New("connection refused")}
	if err := newAdmin(down, cfg, quietLogger()).EnsureTopics(context.Background()); err == nil {
		t.Fatal("expected request error")
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestProducerPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, DefaultConfig(), quietLogger())

	doc := map[string]any{"rule": "brute_force", "severity": "high"}
	if err := p.Publish(context.Background(), "threatline-alerts", "10.0.0.5", doc); err != nil {
		t.Fatal(err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	m := w.msgs[0]
	if m.Topic != "threatline-alerts" || string(m.Key) != "10.0.0.5" {
		t.Errorf("topic/key = %s/%s", m.Topic, m.Key)
	}
	var got map[string]any
	if err := json.Unmarshal(m.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got["rule"] != "brute_force" {
		t.Errorf("value = %s", m.Value)
	}

	stats := p.Stats()
	if stats.Sent != 1 || stats.Bytes != int64(len(m.Key)+len(m.Value)) || stats.Failures != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProducerPublish_Rejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Topics.MaxMessageBytes = 32
	w := &fakeWriter{}
	p := newProducer(w, cfg, quietLogger())
	ctx := context.Background()

	if err := p.Publish(ctx, "", "k", 1); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("empty topic: %v", err)
	}
	if err := p.Publish(ctx, "t", "k", strings.Repeat("x", 64)); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("oversize: %v", err)
	}
	if err := p.Publish(ctx, "t", "k", make(chan int)); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("unmarshalable: %v", err)
	}
	if len(w.msgs) != 0 {
		t.Errorf("rejected messages reached the writer")
	}

	w.err = errors.New("leader not available")
	if err := p.Publish(ctx, "t", "k", 1); err == nil || !strings.Contains(err.Error(), "leader not available") {
		t.Errorf("write error = %v", err)
	}
	if p.Stats().Failures != 1 {
		t.Errorf("failures = %d", p.Stats().Failures)
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
	if err := p.Publish(ctx, "t", "k", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("after close: %v", err)
	}
	if h := p.HealthCheck(ctx); h.Healthy || h.Error != ErrClosed.Error() {
		t.Errorf("health after close = %+v", h)
	}
}

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func fastConsumerConfig() *Config {
	cfg := DefaultConfig()
	cfg.Consumer.RetryBackoff = time.Millisecond
	cfg.Consumer.MaxBackoff = 4 * time.Millisecond
	return cfg
}

func TestConsumerRun_CommitsAfterHandler(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Topic: "security-events", Offset: 7, Key: []byte("10.0.0.5"), Value: []byte(`{"a":1}`)},
		kafka.Message{Topic: "security-events", Offset: 8, Value: []byte(`{"a":2}`)},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []int64
	handler := func(_ context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Offset)
		if len(seen) == 2 {
			cancel()
		}
		return nil
	}

	c := newConsumer(r, fastConsumerConfig(), handler, quietLogger())
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}

	if len(seen) != 2 || seen[0] != 7 || seen[1] != 8 {
		t.Errorf("handled offsets = %v", seen)
	}
	// The second commit races the cancel, so only the first is certain.
	got := r.commits()
	if len(got) == 0 || got[0] != 7 {
		t.Errorf("committed = %v", got)
	}
}

func TestConsumerRun_RedeliversUntilHandled(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 3, Value: []byte("x")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attempts := 0
	handler := func(context.Context, Message) error {
		attempts++
		if attempts < 3 {
			if got := r.commits(); len(got) != 0 {
				t.Errorf("committed before handler succeeded: %v", got)
			}
			return errors.New("store unavailable")
		}
		return nil
	}

	c := newConsumer(r, fastConsumerConfig(), handler, quietLogger())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(r.commits()) == 0 {
		select {
		case <-deadline:
			t.Fatal("message never committed")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	stats := c.Stats()
	if stats.Redelivered != 2 || stats.Consumed != 1 || stats.LastOffset != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestConsumerRun_NoCommitOnCancel(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 1})
	ctx, cancel := context.WithCancel(context.Background())

	handler := func(context.Context, Message) error {
		cancel()
		return errors.New("interrupted")
	}

	c := newConsumer(r, fastConsumerConfig(), handler, quietLogger())
	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
	if got := r.commits(); len(got) != 0 {
		t.Errorf("committed %v after cancellation", got)
	}
}

func TestConsumerRun_Lifecycle(t *testing.T) {
	r := newFakeReader()
	c := newConsumer(r, fastConsumerConfig(), func(context.Context, Message) error { return nil }, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for !c.running.Load() {
		time.Sleep(time.Millisecond)
	}
	if err := c.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !r.closed {
		t.Error("reader not closed")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if h := c.HealthCheck(context.Background()); h.Healthy {
		t.Error("closed consumer reported healthy")
	}

	cancel()
	if err := <-done; err == nil {
		t.Error("Run returned nil after close")
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	if _, err := NewConsumer(DefaultConfig(), nil, quietLogger()); err == nil {
		t.Fatal("expected an error without a handler")
	}
}
