// Package settlement bridges the engine to the external settlement ledger
// over Kafka: payout transfers go out on the transfer topic, confirmations
// come back on the receipt topic with at-least-once delivery, and
// operational alerts go to the alert topic.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/metrics"
)

// TransferEnvelope is the wire format of an outbound payout transfer.
type TransferEnvelope struct {
	TransferID  string          `json:"transfer_id"`
	Recipient   string          `json:"recipient"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// AlertEnvelope is the wire format of an operational alert.
type AlertEnvelope struct {
	Kind     string            `json:"kind"`
	Detail   map[string]string `json:"detail"`
	RaisedAt time.Time         `json:"raised_at"`
}

// messageWriter is the slice of kafka.Writer the producer needs; tests
// substitute an in-memory capture.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes transfers and alerts to the settlement ledger.
type Producer struct {
	transfers messageWriter
	alerts    messageWriter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewProducer builds a producer over real Kafka writers.
func NewProducer(cfg config.KafkaConfig, logger *zap.Logger, m *metrics.Metrics) *Producer {
	return &Producer{
		transfers: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.TransferTopic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		alerts: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.AlertTopic,
			Balancer:     &kafka.Hash{},
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequireOne,
		},
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// NewProducerWithWriters wires explicit writers, for tests.
func NewProducerWithWriters(transfers, alerts messageWriter, logger *zap.Logger, m *metrics.Metrics) *Producer {
	return &Producer{transfers: transfers, alerts: alerts, logger: logger, metrics: m, now: time.Now}
}

// SubmitTransfer publishes one payout transfer. The reference keys the
// message so retries land on the same partition; the downstream ledger
// dedupes on transfer reference.
func (p *Producer) SubmitTransfer(ctx context.Context, recipient string, amount decimal.Decimal, reference string) error {
	envelope := TransferEnvelope{
		TransferID:  uuid.NewString(),
		Recipient:   recipient,
		Amount:      amount,
		Reference:   reference,
		SubmittedAt: p.now(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("settlement: marshal transfer: %w", err)
	}
	err = p.transfers.WriteMessages(ctx, kafka.Message{
		Key:   []byte(reference),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("settlement: publish transfer %s: %w", envelope.TransferID, err)
	}
	if p.metrics != nil {
		p.metrics.TransfersSent.Inc()
	}
	p.logger.Info("transfer submitted",
		zap.String("transfer_id", envelope.TransferID),
		zap.String("recipient", recipient),
		zap.String("amount", amount.String()),
		zap.String("reference", reference))
	return nil
}

// Alert publishes an operational alert for manual intervention.
func (p *Producer) Alert(ctx context.Context, kind string, detail map[string]string) error {
	payload, err := json.Marshal(AlertEnvelope{Kind: kind, Detail: detail, RaisedAt: p.now()})
	if err != nil {
		return fmt.Errorf("settlement: marshal alert: %w", err)
	}
	err = p.alerts.WriteMessages(ctx, kafka.Message{
		Key:   []byte(kind),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("settlement: publish alert %s: %w", kind, err)
	}
	return nil
}

// Close shuts down the underlying writers when they are real Kafka
// writers.
func (p *Producer) Close() error {
	var first error
	for _, w := range []messageWriter{p.transfers, p.alerts} {
		if closer, ok := w.(*kafka.Writer); ok {
			if err := closer.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
