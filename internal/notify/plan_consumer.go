package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"teleconsult-server/internal/apperrors"
	"teleconsult-server/internal/models"
)

// PlanActivated is the payment gateway message announcing a paid plan.
type PlanActivated struct {
	PatientID        string `json:"patientId"`
	PlanID           string `json:"planId"`
	PaymentReference string `json:"paymentReference"`
}

// PlanActivator is implemented by the credit ledger.
type PlanActivator interface {
	Purchase(ctx context.Context, patientID, planID, paymentReference string) (*models.UserSubscription, error)
}

// PlanConsumer turns plan-activated messages into subscriptions.
type PlanConsumer struct {
	ch        *amqp.Channel
	queue     string
	activator PlanActivator
	log       *zap.Logger
}

func NewPlanConsumer(conn *amqp.Connection, queue string, activator PlanActivator, log *zap.Logger) (*PlanConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, err
	}

	return &PlanConsumer{ch: ch, queue: queue, activator: activator, log: log}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *PlanConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return c.ch.Close()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			err := c.Handle(ctx, delivery.Body)
			switch {
			case err == nil:
				delivery.Ack(false)
			case Retryable(err) && !delivery.Redelivered:
				delivery.Nack(false, true)
			default:
				c.log.Error("notify.PlanConsumer dropping message", zap.Error(err))
				delivery.Nack(false, false)
			}
		}
	}
}

// Handle decodes one message and activates the plan.
func (c *PlanConsumer) Handle(ctx context.Context, body []byte) error {
	var msg PlanActivated
	if err := json.Unmarshal(body, &msg); err != nil {
		return apperrors.NewValidationError("malformed plan activated message", nil)
	}
	if msg.PatientID == "" || msg.PlanID == "" || msg.PaymentReference == "" {
		return apperrors.NewValidationError("plan activated message is missing fields", nil)
	}

	subscription, err := c.activator.Purchase(ctx, msg.PatientID, msg.PlanID, msg.PaymentReference)
	if err != nil {
		return err
	}
	c.log.Info("notify.PlanConsumer activated subscription",
		zap.String("patient_id", msg.PatientID),
		zap.String("plan_id", msg.PlanID),
		zap.String("subscription_id", subscription.ID),
	)
	return nil
}

// Retryable reports whether a failed message is worth one redelivery.
func Retryable(err error) bool {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation, apperrors.KindNotFound, apperrors.KindForbidden:
		return false
	}
	return true
}
