package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/pipeline/retry"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks string
	WriteTimeout time.Duration
}

// KafkaSink publishes each envelope to a topic keyed by transaction
// signature, so every event of one transaction lands on one partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka sink requires brokers and topic")
	}
	acks, err := ParseRequiredAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: writeTimeout,
		// Delivery must be synchronous for the pipeline to see failures.
		Async: false,
	}
	return newKafkaSink(w, cfg.Topic), nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// ParseRequiredAcks maps none, one and all to kafka-go acks. Empty means one.
func ParseRequiredAcks(s string) (kafka.RequiredAcks, error) {
	switch s {
	case "", "one":
		return kafka.RequireOne, nil
	case "none":
		return kafka.RequireNone, nil
	case "all":
		return kafka.RequireAll, nil
	default:
		return 0, fmt.Errorf("unknown kafka required acks %q", s)
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, env event.EventEnvelope) error {
	msg, err := newEventMessage(env)
	if err != nil {
		return retry.Terminal(err)
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal kafka message: %w", err))
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.Signature),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(env.Kind().String())},
			{Key: "program", Value: []byte(env.Event.ProgramLabel)},
			{Key: "source", Value: []byte(env.Source)},
		},
	})
	if err != nil {
		return retry.Transient(fmt.Errorf("write to %s: %w", s.topic, err))
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
