package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// CloudEvent is the envelope written to Kafka.
type CloudEvent struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	SpecVersion string          `json:"specversion"`
	Type        string          `json:"type"`
	Time        time.Time       `json:"time"`
	Subject     string          `json:"subject,omitempty"`
	ContentType string          `json:"datacontenttype"`
	Data        json.RawMessage `json:"data"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes jobs as CloudEvents to one topic. A mail worker
// consuming the topic performs the actual delivery.
type KafkaPublisher struct {
	writer messageWriter
	source string
	now    func() time.Time
}

// NewKafkaPublisher builds a synchronous, all-acks writer for topic.
func NewKafkaPublisher(brokers []string, topic, source string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		WriteTimeout: 5 * time.Second,
	}
	return &KafkaPublisher{writer: w, source: source, now: time.Now}
}

// Publish implements Publisher. Any write failure reports delivered=false.
func (p *KafkaPublisher) Publish(ctx context.Context, job Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	event := CloudEvent{
		ID:          uuid.NewString(),
		Source:      p.source,
		SpecVersion: "1.0",
		Type:        string(job.Type),
		Time:        p.now().UTC(),
		Subject:     job.To,
		ContentType: "application/json",
		Data:        data,
	}
	value, err := json.Marshal(event)
	if err != nil {
		return false, err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(job.To),
		Value: value,
		Headers: []kafka.Header{
			{Key: "ce_id", Value: []byte(event.ID)},
			{Key: "ce_source", Value: []byte(event.Source)},
			{Key: "ce_specversion", Value: []byte(event.SpecVersion)},
			{Key: "ce_type", Value: []byte(event.Type)},
			{Key: "ce_time", Value: []byte(event.Time.Format(time.RFC3339))},
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
