// Package broker publishes engine decisions to Kafka for analytics
// consumers. Publishing is best effort: the ledger is the source of truth.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/EcrTech/insync-automation/internal/automation"
)

const (
	DefaultTopic        = "automation.decisions"
	defaultBatchTimeout = 50 * time.Millisecond
	defaultWriteTimeout = 5 * time.Second
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
}

// KafkaSink is an automation.DecisionSink writing one JSON message per
// decision, keyed by rule id so a rule's decisions stay ordered within a
// partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

var _ automation.DecisionSink = (*KafkaSink)(nil)

// NewKafkaSink creates a synchronous producer.
func NewKafkaSink(cfg Config) *KafkaSink {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: defaultBatchTimeout,
		WriteTimeout: defaultWriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaSink{writer: w, topic: topic, now: time.Now}
}

// Publish writes the decision. Org id and kind travel as headers so
// consumers can filter without decoding the body.
func (s *KafkaSink) Publish(ctx context.Context, d automation.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(d.RuleID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "org_id", Value: []byte(d.OrganizationID)},
			{Key: "kind", Value: []byte(d.Kind)},
		},
		Time: s.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
