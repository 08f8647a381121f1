package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderMTN    Provider = "mtn_momo"
	ProviderAirtel Provider = "airtel_money"
)

func (p Provider) IsValid() bool {
	switch p {
	case ProviderMTN, ProviderAirtel:
		return true
	}
	return false
}

type TransactionState string

const (
	StateInitiated           TransactionState = "initiated"
	StatePendingConfirmation TransactionState = "pending_confirmation"
	StateSucceeded           TransactionState = "succeeded"
	StateFailed              TransactionState = "failed"
	StateCancelled           TransactionState = "cancelled"
	StateExpired             TransactionState = "expired"
)

// IsTerminal reports whether no further transition is allowed. Cancelled is
// terminal for ordering purposes; a late provider success supersedes it
// through a dedicated ledger update, never through the normal transition path.
func (s TransactionState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// CanTransitionTo encodes the monotonic state machine:
// initiated -> pending_confirmation -> {succeeded, failed, expired},
// with cancelled reachable from either non-terminal state.
func (s TransactionState) CanTransitionTo(next TransactionState) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatePendingConfirmation:
		return s == StateInitiated
	case StateSucceeded, StateFailed, StateExpired, StateCancelled:
		return true
	}
	return false
}

// CurrencyUGX is the only supported currency. Ugandan shillings have no
// subdivision, so amounts are whole-shilling int64 values.
const CurrencyUGX = "UGX"

// MinAmountUGX is the provider-side floor for a request-to-pay.
const MinAmountUGX int64 = 100

// PaymentTransaction is a single wallet payment attempt for an order.
// Rows are owned exclusively by the ledger: created at checkout, mutated
// only through the repository's conditional updates, never deleted.
type PaymentTransaction struct {
	ID             uuid.UUID
	OrderReference string
	Provider       Provider
	PayerPhone     string
	Amount         int64
	Currency       string
	State          TransactionState

	// ProviderRef is generated locally before the initiate call so that a
	// request whose response was lost can still be resolved by status query.
	// It is the correlation key for webhooks and polling, unique ledger-wide.
	ProviderRef string

	Detail             *string
	RawProviderPayload json.RawMessage
	AttemptCount       int

	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastCheckedAt *time.Time
	CompletedAt   *time.Time
}

// ClientStatus is the coarse vocabulary exposed to the storefront UI.
// Provider-level detail stays in RawProviderPayload for support.
func (t *PaymentTransaction) ClientStatus() string {
	switch t.State {
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "declined"
	case StateExpired:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "pending"
	}
}
