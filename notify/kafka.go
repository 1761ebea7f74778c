// Package notify fans computed Deltas out to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/apexmediation/revenue-recon/recon"
)

// KafkaConfig holds Kafka connection configuration.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements recon.DeltaSink. Messages are keyed by
// EvidenceID so consumers can deduplicate replays.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
	now    func() time.Time
}

var _ recon.DeltaSink = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(writer, logger)
}

func newKafkaPublisher(w messageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, logger: logger, now: time.Now}
}

// DeltaMessage is the wire form of a Delta.
type DeltaMessage struct {
	EvidenceID  string         `json:"evidenceId"`
	Kind        string         `json:"kind"`
	AmountUSD   string         `json:"amount"`
	Currency    string         `json:"currency"`
	ReasonCode  string         `json:"reasonCode"`
	WindowStart time.Time      `json:"windowStart"`
	WindowEnd   time.Time      `json:"windowEnd"`
	Confidence  float64        `json:"confidence"`
	Details     map[string]any `json:"details,omitempty"`
}

// NewDeltaMessage converts a Delta to its wire form.
func NewDeltaMessage(d recon.Delta) DeltaMessage {
	return DeltaMessage{
		EvidenceID:  d.EvidenceID,
		Kind:        string(d.Kind),
		AmountUSD:   d.AmountUSD.StringFixed(2),
		Currency:    d.Currency,
		ReasonCode:  d.ReasonCode,
		WindowStart: d.WindowStart,
		WindowEnd:   d.WindowEnd,
		Confidence:  d.Confidence,
		Details:     d.Details,
	}
}

// PublishDeltas sends one message per delta in a single batch.
func (p *KafkaPublisher) PublishDeltas(ctx context.Context, deltas []recon.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(deltas))
	for i, d := range deltas {
		data, err := json.Marshal(NewDeltaMessage(d))
		if err != nil {
			return fmt.Errorf("marshal delta %s: %w", d.EvidenceID, err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(d.EvidenceID),
			Value: data,
			Time:  p.now(),
		}
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d deltas: %w", len(msgs), err)
	}
	p.logger.Debug("deltas published", zap.Int("count", len(msgs)))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
