package egress

import (
	"context"

	"threatline/internal/schema"
)

// JSONProducer is satisfied by *kafka.Producer.
type JSONProducer interface {
	Publish(ctx context.Context, topic, key string, value any) error
}

// KafkaSink publishes alerts and incidents to their topics, keyed by source
// identity so one source stays on one partition.
type KafkaSink struct {
	producer       JSONProducer
	alertsTopic    string
	incidentsTopic string
}

// NewKafkaSink creates a Kafka sink.
func NewKafkaSink(p JSONProducer, alertsTopic, incidentsTopic string) *KafkaSink {
	return &KafkaSink{producer: p, alertsTopic: alertsTopic, incidentsTopic: incidentsTopic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, env Envelope) error {
	switch env.Kind {
	case KindAlert:
		return s.producer.Publish(ctx, s.alertsTopic, env.Alert.SourceIdentity, env.Alert)
	case KindIncident:
		return s.producer.Publish(ctx, s.incidentsTopic, env.Incident.SourceIdentity, env.Incident)
	}
	return nil
}

// IncidentArchiver is satisfied by *s3.Archiver.
type IncidentArchiver interface {
	ArchiveIncident(ctx context.Context, inc *schema.Incident) (string, error)
}

// ArchiveSink writes incidents to object storage. Alerts are skipped.
type ArchiveSink struct {
	archiver IncidentArchiver
}

// NewArchiveSink creates an archive sink.
func NewArchiveSink(a IncidentArchiver) *ArchiveSink {
	return &ArchiveSink{archiver: a}
}

func (s *ArchiveSink) Name() string { return "s3" }

func (s *ArchiveSink) Deliver(ctx context.Context, env Envelope) error {
	if env.Kind != KindIncident {
		return nil
	}
	_, err := s.archiver.ArchiveIncident(ctx, env.Incident)
	return err
}

// RowWriter is satisfied by *storage.Mirror.
type RowWriter interface {
	WriteAlert(a *schema.Alert) error
	WriteIncident(inc *schema.Incident) error
}

// MirrorSink buffers rows into the analytics mirror.
type MirrorSink struct {
	writer RowWriter
}

// NewMirrorSink creates a mirror sink.
func NewMirrorSink(w RowWriter) *MirrorSink {
	return &MirrorSink{writer: w}
}

func (s *MirrorSink) Name() string { return "clickhouse" }

func (s *MirrorSink) Deliver(_ context.Context, env Envelope) error {
	switch env.Kind {
	case KindAlert:
		return s.writer.WriteAlert(env.Alert)
	case KindIncident:
		return s.writer.WriteIncident(env.Incident)
	}
	return nil
}
