package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/katale-store/payments/internal/domain"
)

// PaymentCompletedQueue carries terminal-payment events to the
// notification dispatcher (SMS and order fulfilment live outside this
// service).
const PaymentCompletedQueue = "payment.completed"

type paymentCompletedEvent struct {
	EventType      string    `json:"event_type"`
	OrderReference string    `json:"order_reference"`
	TransactionID  string    `json:"transaction_id"`
	FinalState     string    `json:"final_state"`
	Timestamp      time.Time `json:"timestamp"`
}

// AMQPNotifier publishes payment-completed events to a durable queue.
type AMQPNotifier struct {
	ch *amqp.Channel
}

func NewAMQPNotifier(conn *amqp.Connection) (*AMQPNotifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("NewAMQPNotifier: open channel: %w", err)
	}

	// Declare up front so publishing never fails on missing infrastructure.
	if _, err := ch.QueueDeclare(PaymentCompletedQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("NewAMQPNotifier: declare %s: %w", PaymentCompletedQueue, err)
	}

	return &AMQPNotifier{ch: ch}, nil
}

func (n *AMQPNotifier) Close() error {
	return n.ch.Close()
}

func (n *AMQPNotifier) PaymentCompleted(ctx context.Context, orderRef string, txnID uuid.UUID, finalState domain.TransactionState) error {
	ev := paymentCompletedEvent{
		EventType:      "PaymentCompleted",
		OrderReference: orderRef,
		TransactionID:  txnID.String(),
		FinalState:     string(finalState),
		Timestamp:      time.Now().UTC(),
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("PaymentCompleted: marshal: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	err = n.ch.PublishWithContext(
		pubCtx,
		"",
		PaymentCompletedQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("PaymentCompleted: publish: %w", err)
	}
	return nil
}

// LogNotifier is the fallback when no broker is configured (local
// development, tests of the surrounding wiring).
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) PaymentCompleted(_ context.Context, orderRef string, txnID uuid.UUID, finalState domain.TransactionState) error {
	n.Logger.Info("payment completed",
		"order_reference", orderRef,
		"transaction_id", txnID,
		"final_state", finalState,
	)
	return nil
}
