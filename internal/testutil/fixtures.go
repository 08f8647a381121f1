package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/katale-store/payments/internal/domain"
)

// SeedTransaction inserts a payment row directly, bypassing the repository,
// so repository and service tests can start from an arbitrary state.
func SeedTransaction(t *testing.T, db *sql.DB, orderRef string, provider domain.Provider, state domain.TransactionState) *domain.PaymentTransaction {
	t.Helper()

	txn := &domain.PaymentTransaction{
		ID:             uuid.New(),
		OrderReference: orderRef,
		Provider:       provider,
		PayerPhone:     "256772123456",
		Amount:         5000,
		Currency:       domain.CurrencyUGX,
		State:          state,
		ProviderRef:    uuid.NewString(),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	_, err := db.Exec(
		`INSERT INTO payment_transactions
		   (id, order_reference, provider, payer_phone, amount, currency, state, provider_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.OrderReference, txn.Provider, txn.PayerPhone, txn.Amount,
		txn.Currency, txn.State, txn.ProviderRef, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed transaction %s: %v", orderRef, err)
	}
	return txn
}

// CreatedAgo backdates a seeded transaction, used to drive expiry paths.
func CreatedAgo(t *testing.T, db *sql.DB, id uuid.UUID, age time.Duration) {
	t.Helper()

	_, err := db.Exec(
		`UPDATE payment_transactions SET created_at = $1 WHERE id = $2`,
		time.Now().UTC().Add(-age), id,
	)
	if err != nil {
		t.Fatalf("backdate transaction %s: %v", id, err)
	}
}

func GetTransactionState(t *testing.T, db *sql.DB, id uuid.UUID) domain.TransactionState {
	t.Helper()

	var state domain.TransactionState
	if err := db.QueryRow(`SELECT state FROM payment_transactions WHERE id = $1`, id).Scan(&state); err != nil {
		t.Fatalf("get transaction state %s: %v", id, err)
	}
	return state
}

func CountWebhookEvents(t *testing.T, db *sql.DB, providerRef string) int {
	t.Helper()

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM webhook_events WHERE provider_reference = $1`, providerRef,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count webhook events for %s: %v", providerRef, err)
	}
	return count
}
