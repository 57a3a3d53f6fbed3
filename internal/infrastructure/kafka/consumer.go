package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mygads/genfity-server-sub007/internal/models"
	"github.com/segmentio/kafka-go"
)

// PaymentStatusApplier is the slice of the lifecycle service the consumer
// needs. Kept narrow to avoid an import cycle with the service package.
type PaymentStatusApplier interface {
	UpdatePaymentStatus(ctx context.Context, paymentID int64, newStatus models.PaymentStatus, adminNotes string, actingAdminID int64) (*models.Payment, error)
}

// Consumer applies payment status callbacks arriving from the external
// payment gateway over the gateway events topic.
type Consumer struct {
	reader    *kafka.Reader
	lifecycle PaymentStatusApplier
}

func NewConsumer(brokers []string, topic, groupID string, lifecycle PaymentStatusApplier) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		lifecycle: lifecycle,
	}
}

type gatewayEvent struct {
	PaymentID int64  `json:"payment_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		var event gatewayEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			slog.Error("failed to unmarshal gateway event", "error", err)
			continue
		}

		status := models.PaymentStatus(event.Status)
		if _, err := c.lifecycle.UpdatePaymentStatus(ctx, event.PaymentID, status, event.Notes, 0); err != nil {
			slog.Error("failed to apply gateway event", "payment_id", event.PaymentID, "status", event.Status, "error", err)
			continue
		}

		slog.Info("gateway event applied", "payment_id", event.PaymentID, "status", event.Status)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
