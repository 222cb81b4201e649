// Package events publishes domain events to kafka
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/orderdesk/core/logger"
)

// TypeOrderCreated is published after an order was created and its customer notified
const TypeOrderCreated = "order.created"

// Event is a domain event
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent returns a new event of type eventType for key. payload is marshalled to json.
func NewEvent(eventType, key string, payload any) (Event, error) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return event, fmt.Errorf("cannot marshal payload of %s event: %w", eventType, err)
		}
		event.Payload = data
	}
	return event, nil
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop is a publisher which drops all events
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(ctx context.Context, event Event) error {
	logger.FromContext(ctx).Debugf("events: dropped %s event %s", event.Type, event.ID)
	return nil
}

// Close implements Publisher
func (Nop) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes events to one kafka topic. Events with the same key go to
// the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher returns a publisher writing to topic on the comma separated list
// of brokers
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("events: no kafka brokers")
	}
	if topic == "" {
		return nil, errors.New("events: no kafka topic")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           2 * time.Second,
		MaxAttempts:            3,
	}
	return newKafkaPublisher(writer, topic), nil
}

func newKafkaPublisher(writer messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topic: topic}
}

// Publish writes event to the topic. The message carries the event type and the
// serialized logger context as headers.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	rlog := logger.FromContext(ctx)
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: cannot marshal %s event: %w", event.Type, err)
	}
	message := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "logger", Value: logger.SerializeLoggerContext(ctx)},
		},
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("events: cannot publish %s event to %s: %w", event.Type, p.topic, err)
	}
	rlog.Debugf("events: published %s event %s to %s", event.Type, event.ID, p.topic)
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ContextFromMessage returns a context whose logger continues the logger context of
// the publisher, as carried by the message headers
func ContextFromMessage(ctx context.Context, message kafka.Message) context.Context {
	for _, h := range message.Headers {
		if h.Key == "logger" {
			return logger.ContextWithLoggerFromData(ctx, h.Value)
		}
	}
	ctx, _ = logger.ContextWithLogger(ctx)
	return ctx
}
