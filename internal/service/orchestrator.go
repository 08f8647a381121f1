package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/katale-store/payments/internal/domain"
	"github.com/katale-store/payments/internal/logging"
	"github.com/katale-store/payments/internal/provider"
)

type transactionLedger interface {
	CreateActive(ctx context.Context, txn *domain.PaymentTransaction) error
	MarkPendingConfirmation(ctx context.Context, id uuid.UUID, raw json.RawMessage) error
	ApplyTerminalState(ctx context.Context, id uuid.UUID, state domain.TransactionState, detail *string, raw json.RawMessage) (bool, error)
	SupersedeCancelled(ctx context.Context, id uuid.UUID, raw json.RawMessage) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	GetByProviderRef(ctx context.Context, providerRef string) (*domain.PaymentTransaction, error)
	ListActive(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error)
	RecordPollAttempt(ctx context.Context, id uuid.UUID) error
}

// Notifier is the outbound edge to the notification dispatcher. It is
// invoked at most once per terminal transition; the ledger's conditional
// update is what gates the call.
type Notifier interface {
	PaymentCompleted(ctx context.Context, orderRef string, txnID uuid.UUID, finalState domain.TransactionState) error
}

// Signal is a normalized terminal report from either confirmation channel.
type Signal struct {
	Provider    domain.Provider
	ProviderRef string
	Status      provider.PaymentStatus
	Detail      string
	Raw         json.RawMessage
}

// SignalOutcome reports what applying a signal did.
type SignalOutcome string

const (
	SignalApplied    SignalOutcome = "applied"
	SignalNoOp       SignalOutcome = "no_op"
	SignalUnknownRef SignalOutcome = "unknown_ref"
)

// Orchestrator owns the payment state machine. Webhook ingress and the
// polling scheduler both feed it terminal signals; it resolves their race
// through the ledger's conditional update and fires the completion
// notification exactly once.
type Orchestrator struct {
	ledger    transactionLedger
	providers provider.Registry
	notifier  Notifier
}

func NewOrchestrator(ledger transactionLedger, providers provider.Registry, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		ledger:    ledger,
		providers: providers,
		notifier:  notifier,
	}
}

type InitiatePaymentRequest struct {
	OrderReference string
	Provider       domain.Provider
	PayerPhoneRaw  string
	Amount         int64
	PayerMessage   string
}

// InitiatePayment validates input, reserves the order reference in the
// ledger, and sends the request-to-pay. It returns once the provider has
// acknowledged the prompt, not when the customer confirms.
//
// The provider reference is generated locally and persisted before the
// network call: if the initiate response is lost, the attempt stays
// resolvable through QueryStatus instead of a second request-to-pay that
// could charge the customer twice.
func (o *Orchestrator) InitiatePayment(ctx context.Context, req InitiatePaymentRequest) (*domain.PaymentTransaction, error) {
	log := logging.FromContext(ctx)

	phone, err := domain.NormalizePhone(req.PayerPhoneRaw)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	if req.Amount < domain.MinAmountUGX {
		return nil, fmt.Errorf("InitiatePayment: %w", domain.ErrInvalidAmount)
	}

	client, err := o.providers.For(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}

	now := time.Now().UTC()
	txn := &domain.PaymentTransaction{
		ID:             uuid.New(),
		OrderReference: req.OrderReference,
		Provider:       req.Provider,
		PayerPhone:     phone,
		Amount:         req.Amount,
		Currency:       domain.CurrencyUGX,
		State:          domain.StateInitiated,
		ProviderRef:    uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := o.ledger.CreateActive(ctx, txn); err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}

	log.Info("payment transaction created",
		"transaction_id", txn.ID,
		"order_reference", txn.OrderReference,
		"provider", txn.Provider,
		"amount", txn.Amount,
	)

	result, err := client.Initiate(ctx, provider.InitiateRequest{
		ProviderRef:  txn.ProviderRef,
		PayerPhone:   phone,
		Amount:       req.Amount,
		Currency:     domain.CurrencyUGX,
		OrderRef:     req.OrderReference,
		PayerMessage: req.PayerMessage,
	})
	if err != nil {
		if rej, ok := provider.AsRejected(err); ok {
			// Business rejection: terminal immediately, never polled.
			detail := rej.Detail
			if _, applyErr := o.finalize(ctx, txn, domain.StateFailed, &detail, rej.Raw); applyErr != nil {
				return nil, fmt.Errorf("InitiatePayment: %w", applyErr)
			}
			txn.State = domain.StateFailed
			txn.Detail = &detail
			return txn, nil
		}

		// Transient failure: the request may or may not have reached the
		// provider. Leave the row in initiated; the polling scheduler will
		// resolve it via status query inside the expiry window.
		log.Warn("initiate did not complete, leaving transaction for poll resolution",
			"transaction_id", txn.ID,
			"provider_ref", txn.ProviderRef,
			"error", err,
		)
		return txn, nil
	}

	if err := o.ledger.MarkPendingConfirmation(ctx, txn.ID, result.Raw); err != nil {
		return nil, fmt.Errorf("InitiatePayment: %w", err)
	}
	txn.State = domain.StatePendingConfirmation

	log.Info("payment initiated with provider",
		"transaction_id", txn.ID,
		"provider_ref", txn.ProviderRef,
	)
	return txn, nil
}

func (o *Orchestrator) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	txn, err := o.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return txn, nil
}

// Cancel marks a non-terminal transaction cancelled. Cancellation is
// advisory: it stops polling, but a charge the provider already accepted
// will supersede it when the confirmation arrives.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	log := logging.FromContext(ctx)

	txn, err := o.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}

	applied, err := o.finalize(ctx, txn, domain.StateCancelled, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	if !applied {
		log.Info("cancel was a no-op, transaction already finalized",
			"transaction_id", id, "state", txn.State)
	}

	txn, err = o.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	return txn, nil
}

// ApplySignal is the shared entry point for both confirmation channels.
// Whichever channel reaches the ledger's conditional update first wins;
// the loser's call reports SignalNoOp.
func (o *Orchestrator) ApplySignal(ctx context.Context, sig Signal) (SignalOutcome, error) {
	log := logging.FromContext(ctx)

	txn, err := o.ledger.GetByProviderRef(ctx, sig.ProviderRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("signal references unknown transaction", "provider_ref", sig.ProviderRef, "provider", sig.Provider)
			return SignalUnknownRef, nil
		}
		return "", fmt.Errorf("ApplySignal: %w", err)
	}

	var state domain.TransactionState
	switch sig.Status {
	case provider.StatusSucceeded:
		state = domain.StateSucceeded
	case provider.StatusFailed:
		state = domain.StateFailed
	default:
		// Non-terminal report, nothing to apply.
		return SignalNoOp, nil
	}

	var detail *string
	if sig.Detail != "" {
		detail = &sig.Detail
	}

	applied, err := o.finalize(ctx, txn, state, detail, sig.Raw)
	if err != nil {
		return "", fmt.Errorf("ApplySignal: %w", err)
	}
	if applied {
		return SignalApplied, nil
	}

	// A success that lost the conditional update may have lost to an
	// administrative cancel. The provider accepted the charge, so the
	// success supersedes the cancel; the conflict is logged, not dropped.
	if state == domain.StateSucceeded {
		superseded, err := o.ledger.SupersedeCancelled(ctx, txn.ID, sig.Raw)
		if err != nil {
			return "", fmt.Errorf("ApplySignal: %w", err)
		}
		if superseded {
			log.Warn("provider success superseded cancelled transaction",
				"transaction_id", txn.ID,
				"order_reference", txn.OrderReference,
				"provider_ref", sig.ProviderRef,
			)
			o.notify(ctx, txn.OrderReference, txn.ID, domain.StateSucceeded)
			return SignalApplied, nil
		}
	}

	log.Info("terminal signal was a no-op, transaction already finalized",
		"transaction_id", txn.ID,
		"provider_ref", sig.ProviderRef,
		"signal_status", sig.Status,
	)
	return SignalNoOp, nil
}

// finalize drives the one atomic terminal transition and, only when this
// call won it, fires the completion notification.
func (o *Orchestrator) finalize(ctx context.Context, txn *domain.PaymentTransaction, state domain.TransactionState, detail *string, raw json.RawMessage) (bool, error) {
	// A snapshot that already disallows the transition cannot win the
	// conditional update either; skip the round trip.
	if !txn.State.CanTransitionTo(state) {
		return false, nil
	}

	applied, err := o.ledger.ApplyTerminalState(ctx, txn.ID, state, detail, raw)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	log := logging.FromContext(ctx)
	log.Info("payment finalized",
		"transaction_id", txn.ID,
		"order_reference", txn.OrderReference,
		"state", state,
	)

	o.notify(ctx, txn.OrderReference, txn.ID, state)
	return true, nil
}

func (o *Orchestrator) notify(ctx context.Context, orderRef string, txnID uuid.UUID, state domain.TransactionState) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.PaymentCompleted(ctx, orderRef, txnID, state); err != nil {
		logging.FromContext(ctx).Error("payment completion notification failed",
			"transaction_id", txnID,
			"order_reference", orderRef,
			"error", err,
		)
	}
}
