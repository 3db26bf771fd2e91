package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianre/meridian/internal/config"
	"github.com/meridianre/meridian/internal/metrics"
	"github.com/meridianre/meridian/pkg/models"
)

// ReceiptEnvelope is the wire format of an inbound transfer confirmation.
type ReceiptEnvelope struct {
	TransferID string          `json:"transfer_id"`
	Reference  string          `json:"reference"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	SettledAt  time.Time       `json:"settled_at"`
}

// ReceiptHandler applies one confirmed receipt to engine state. It runs at
// most once per transfer ID; redeliveries never reach it.
type ReceiptHandler func(ctx context.Context, receipt ReceiptEnvelope) error

// messageReader is the slice of kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer drains the receipt topic. The settlement ledger delivers at
// least once; ProcessedReceipt rows make application exactly-once.
type Consumer struct {
	reader  messageReader
	db      *gorm.DB
	handler ReceiptHandler
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewConsumer builds a consumer over a real Kafka reader.
func NewConsumer(cfg config.KafkaConfig, db *gorm.DB, handler ReceiptHandler, logger *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.ReceiptTopic,
		GroupID:     cfg.GroupID,
		MaxWait:     cfg.ReadTimeout,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(reader, db, handler, logger, m)
}

// NewConsumerWithReader wires an explicit reader, for tests.
func NewConsumerWithReader(reader messageReader, db *gorm.DB, handler ReceiptHandler, logger *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	return newConsumer(reader, db, handler, logger, m)
}

func newConsumer(reader messageReader, db *gorm.DB, handler ReceiptHandler, logger *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	if err := db.AutoMigrate(&models.ProcessedReceipt{}); err != nil {
		return nil, fmt.Errorf("settlement: migrate: %w", err)
	}
	return &Consumer{
		reader:  reader,
		db:      db,
		handler: handler,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Run consumes receipts until the context is cancelled. Malformed messages
// are logged and committed; a handler failure leaves the message
// uncommitted for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("settlement: fetch receipt: %w", err)
		}
		if err := c.process(ctx, message); err != nil {
			c.logger.Error("receipt application failed, leaving for redelivery",
				zap.Int64("offset", message.Offset),
				zap.Error(err))
			continue
		}
		if err := c.reader.CommitMessages(ctx, message); err != nil {
			c.logger.Error("receipt commit failed", zap.Int64("offset", message.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) process(ctx context.Context, message kafka.Message) error {
	var receipt ReceiptEnvelope
	if err := json.Unmarshal(message.Value, &receipt); err != nil {
		// Poison messages cannot be retried into validity; drop them.
		c.logger.Warn("malformed receipt dropped",
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		return nil
	}
	if receipt.TransferID == "" {
		c.logger.Warn("receipt without transfer id dropped", zap.Int64("offset", message.Offset))
		return nil
	}

	applied, err := c.markProcessed(receipt.TransferID)
	if err != nil {
		return err
	}
	if !applied {
		if c.metrics != nil {
			c.metrics.ReceiptsDuplicate.Inc()
		}
		c.logger.Debug("duplicate receipt ignored", zap.String("transfer_id", receipt.TransferID))
		return nil
	}

	if c.handler != nil {
		if err := c.handler(ctx, receipt); err != nil {
			// Roll the dedupe row back so redelivery retries the handler.
			c.db.Delete(&models.ProcessedReceipt{}, "transfer_id = ?", receipt.TransferID)
			return err
		}
	}
	if c.metrics != nil {
		c.metrics.ReceiptsApplied.Inc()
	}
	c.logger.Info("receipt applied",
		zap.String("transfer_id", receipt.TransferID),
		zap.String("reference", receipt.Reference),
		zap.String("status", receipt.Status))
	return nil
}

// markProcessed inserts the dedupe row. A primary key conflict means the
// receipt was already applied.
func (c *Consumer) markProcessed(transferID string) (bool, error) {
	row := &models.ProcessedReceipt{TransferID: transferID, ProcessedAt: c.now()}
	result := c.db.Where("transfer_id = ?", transferID).FirstOrCreate(row)
	if result.Error != nil {
		return false, fmt.Errorf("settlement: record receipt %s: %w", transferID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Close shuts down the underlying reader when it is a real Kafka reader.
func (c *Consumer) Close() error {
	if closer, ok := c.reader.(*kafka.Reader); ok {
		return closer.Close()
	}
	return nil
}
