// Package kafka publishes every new item as one message on a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"ddlbot/internal/sink"
	logx "ddlbot/pkg/logx"
)

const Name = "kafka"

// MessageWriter is the kafka.Writer method the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Options struct {
	Brokers []string
	Topic   string
	Log     logx.Logger
}

type Sink struct {
	w   MessageWriter
	log logx.Logger
	// closer is set when the sink owns its writer.
	closer interface{ Close() error }
}

var _ sink.Sink = (*Sink)(nil)

// New builds a synchronous writer that waits for all in-sync replicas.
func New(opts Options) (*Sink, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, errors.New("kafka: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	s := NewWithWriter(w, opts.Log)
	s.closer = w
	return s, nil
}

// NewWithWriter wraps an existing writer; the caller keeps ownership.
func NewWithWriter(w MessageWriter, log logx.Logger) *Sink {
	return &Sink{w: w, log: log.With(logx.String("comp", "sink.kafka"))}
}

func (s *Sink) Name() string { return Name }

// Push writes all unseen items in one call, keyed by activity id so updates
// to the same item land on the same partition.
func (s *Sink) Push(ctx context.Context, b sink.Batch) error {
	if len(b.Unseen) == 0 {
		return nil
	}
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(b.Unseen))
	for _, it := range b.Unseen {
		value, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("encode %s: %w", it.ActivityID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(it.ActivityID),
			Value: value,
			Time:  now,
		})
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	s.log.Debug("items published", logx.Int("count", len(msgs)))
	return nil
}

func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
