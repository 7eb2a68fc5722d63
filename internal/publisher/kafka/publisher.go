// Package kafka publishes archived events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/listing-archiver/internal/publisher"
)

//go:generate mockgen -source=publisher.go -destination=mock_writer_test.go -package=kafka

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names the brokers and topic archived events are written to.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher wraps a Kafka writer.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// New creates a Publisher writing to cfg.Topic on cfg.Brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("publisher.kafka_brokers and publisher.topic are required for kafka")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		},
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

// Publish writes the JSON payload keyed by its event key, so every archive
// of the same listing lands on the same partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	key := publisher.KeyOf(payload)
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    p.now(),
		Headers: []kafka.Header{{Key: "event", Value: []byte(topic)}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return strings.Join([]string{topic, key, fmt.Sprint(msg.Time.UnixMilli())}, "/"), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
