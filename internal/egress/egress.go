// Package egress fans created alerts and incidents out to downstream sinks.
// Delivery is best-effort: a bounded queue absorbs bursts, overflow is
// dropped and counted, and sink failures never reach the pipeline.
package egress

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"threatline/internal/metrics"
	"threatline/internal/queue"
	"threatline/internal/schema"
)

// Kind identifies the record carried by an Envelope.
type Kind string

const (
	KindAlert    Kind = "alert"
	KindIncident Kind = "incident"
)

// Envelope carries exactly one of Alert or Incident.
type Envelope struct {
	Kind     Kind
	Alert    *schema.Alert
	Incident *schema.Incident
}

// AlertEnvelope wraps an alert.
func AlertEnvelope(a *schema.Alert) Envelope {
	return Envelope{Kind: KindAlert, Alert: a}
}

// IncidentEnvelope wraps an incident.
func IncidentEnvelope(inc *schema.Incident) Envelope {
	return Envelope{Kind: KindIncident, Incident: inc}
}

// Sink delivers envelopes to one downstream system. Sinks ignore kinds they
// do not handle by returning nil.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Config holds the publisher configuration.
type Config struct {
	QueueSize       int           `yaml:"queue_size" validate:"min=1"`
	Workers         int           `yaml:"workers" validate:"min=1"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" validate:"min=0"`
	ShutdownWait    time.Duration `yaml:"shutdown_wait" validate:"min=0"`
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:       queue.DefaultSize,
		Workers:         4,
		DeliveryTimeout: 10 * time.Second,
		ShutdownWait:    30 * time.Second,
	}
}

// Publisher queues envelopes and delivers them to every sink from a pool of
// workers.
type Publisher struct {
	queue   *queue.RingBuffer[Envelope]
	sinks   []Sink
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg      sync.WaitGroup
	started atomic.Bool

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a publisher. Sinks must be added before Start.
func NewPublisher(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = queue.DefaultSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		queue:   queue.NewRingBuffer[Envelope](cfg.QueueSize),
		config:  cfg,
		metrics: m,
		logger:  logger.With("component", "egress"),
	}
}

// AddSink registers a sink.
func (p *Publisher) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

// Sinks returns the registered sink names.
func (p *Publisher) Sinks() []string {
	names := make([]string, len(p.sinks))
	for i, s := range p.sinks {
		names[i] = s.Name()
	}
	return names
}

// PublishAlert enqueues an alert. It never blocks.
func (p *Publisher) PublishAlert(a *schema.Alert) {
	p.publish(AlertEnvelope(a))
}

// PublishIncident enqueues an incident. It never blocks.
func (p *Publisher) PublishIncident(inc *schema.Incident) {
	p.publish(IncidentEnvelope(inc))
}

func (p *Publisher) publish(env Envelope) {
	if len(p.sinks) == 0 {
		return
	}
	if err := p.queue.Push(env); err != nil {
		if p.metrics != nil {
			p.metrics.EgressDropped.WithLabelValues(string(env.Kind)).Inc()
		}
		p.logger.Warn("egress envelope dropped", "kind", env.Kind, "error", err)
	}
}

// Start starts the delivery workers. They exit when Stop drains the queue.
func (p *Publisher) Start(ctx context.Context) {
	if p.started.Swap(true) {
		return
	}
	// Workers outlive ctx so Stop can drain what is already queued.
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("egress publisher started", "workers", p.config.Workers, "sinks", p.Sinks())
}

func (p *Publisher) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		env, err := p.queue.PopContext(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				p.logger.Debug("egress worker stopping", "worker_id", id)
				return
			}
			p.logger.Warn("unexpected queue error", "worker_id", id, "error", err)
			continue
		}
		p.deliver(ctx, env)
	}
}

// deliver hands env to every sink. A failing sink does not stop the others.
func (p *Publisher) deliver(ctx context.Context, env Envelope) {
	for _, s := range p.sinks {
		err := p.deliverOne(ctx, s, env)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			p.failed.Add(1)
			p.logger.Error("egress delivery failed",
				"sink", s.Name(),
				"kind", env.Kind,
				"error", err,
			)
		} else {
			p.delivered.Add(1)
		}
		if p.metrics != nil {
			p.metrics.EgressDelivered.WithLabelValues(s.Name(), outcome).Inc()
		}
	}
}

func (p *Publisher) deliverOne(ctx context.Context, s Sink, env Envelope) (err error) {
	if p.config.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.DeliveryTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("egress sink panicked", "sink", s.Name(), "panic", r)
			err = errors.New("sink panicked")
		}
	}()
	return s.Deliver(ctx, env)
}

// Stop closes the queue and waits for workers to drain it.
func (p *Publisher) Stop() {
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("egress publisher stopped gracefully")
	case <-time.After(p.config.ShutdownWait):
		p.logger.Warn("egress publisher shutdown timed out", "pending", p.queue.Len())
	}
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() Stats {
	return Stats{
		Queue:     p.queue.Metrics(),
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
	}
}

// Stats holds publisher statistics.
type Stats struct {
	Queue     queue.QueueMetrics `json:"queue"`
	Delivered uint64             `json:"delivered"`
	Failed    uint64             `json:"failed"`
}
