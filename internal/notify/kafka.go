package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"domainflow/internal/saga"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Producer is the subset of *kgo.Client used to publish notifications.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// NewKafkaClient constructs a producer client for the notification topic.
func NewKafkaClient(brokers []string, topic, clientID string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProduceRequestTimeout(10*time.Second),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID(clientID),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return client, nil
}

// KafkaNotifier publishes notifications as protojson-encoded structs keyed by recipient.
// Downstream consumers render the template and deliver it.
type KafkaNotifier struct {
	producer Producer
	topic    string
	now      func() time.Time
	tracer   trace.Tracer
}

// NewKafkaNotifier constructs a KafkaNotifier.
func NewKafkaNotifier(producer Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		now:      time.Now,
		tracer:   otel.Tracer("domainflow/notify"),
	}
}

func (n *KafkaNotifier) Send(ctx context.Context, recipientID string, kind saga.TemplateKind, payload map[string]any) error {
	ctx, span := n.tracer.Start(ctx, "notify.kafka", trace.WithAttributes(
		attribute.String("kafka.topic", n.topic),
		attribute.String("notification.template", string(kind)),
	))
	defer span.End()

	value, err := Encode(recipientID, kind, payload, n.now())
	if err != nil {
		span.RecordError(err)
		return err
	}
	record := &kgo.Record{
		Topic:   n.topic,
		Key:     []byte(recipientID),
		Value:   value,
		Headers: traceHeaders(ctx),
	}
	if err := n.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s notification: %w", kind, err)
	}
	return nil
}

// Encode renders a notification envelope as protojson.
func Encode(recipientID string, kind saga.TemplateKind, payload map[string]any, at time.Time) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	envelope, err := structpb.NewStruct(map[string]any{
		"recipient_id": recipientID,
		"template":     string(kind),
		"sent_at":      at.UTC().Format(time.RFC3339Nano),
		"payload":      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s notification: %w", kind, err)
	}
	return protojson.Marshal(envelope)
}

func traceHeaders(ctx context.Context) []kgo.RecordHeader {
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	traceparent, ok := carrier["traceparent"]
	if !ok {
		return nil
	}
	return []kgo.RecordHeader{{Key: "traceparent", Value: []byte(traceparent)}}
}
