package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/katale-store/payments/internal/domain"
)

const transactionColumns = `id, order_reference, provider, payer_phone, amount,
	currency, state, provider_ref, detail, raw_provider_payload, attempt_count,
	created_at, updated_at, last_checked_at, completed_at`

// TransactionRepository is the durable ledger for payment transactions.
// Its conditional insert and conditional update are the only two primitives
// the rest of the design leans on for correctness: the partial unique index
// on order_reference enforces a single active transaction per order, and
// ApplyTerminalState is the compare-and-swap both confirmation channels race
// against.
type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreateActive inserts a new transaction in state initiated. It fails with
// ErrDuplicateActiveTransaction when a non-terminal transaction already
// exists for the order reference, via the partial unique index.
func (r *TransactionRepository) CreateActive(ctx context.Context, txn *domain.PaymentTransaction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_transactions (
			id, order_reference, provider, payer_phone, amount,
			currency, state, provider_ref, detail, raw_provider_payload, attempt_count,
			created_at, updated_at, last_checked_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.ID, txn.OrderReference, txn.Provider, txn.PayerPhone, txn.Amount,
		txn.Currency, txn.State, txn.ProviderRef, txn.Detail, nullableJSON(txn.RawProviderPayload), txn.AttemptCount,
		txn.CreatedAt, txn.UpdatedAt, txn.LastCheckedAt, txn.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("CreateActive: %w", domain.ErrDuplicateActiveTransaction)
		}
		return fmt.Errorf("CreateActive: %w", err)
	}
	return nil
}

// MarkPendingConfirmation moves an initiated transaction to
// pending_confirmation once the provider has acknowledged the request.
func (r *TransactionRepository) MarkPendingConfirmation(ctx context.Context, id uuid.UUID, raw json.RawMessage) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_transactions
		SET state = $2, raw_provider_payload = COALESCE($3, raw_provider_payload), updated_at = now()
		WHERE id = $1 AND state = $4`,
		id, domain.StatePendingConfirmation, nullableJSON(raw), domain.StateInitiated,
	)
	if err != nil {
		return fmt.Errorf("MarkPendingConfirmation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkPendingConfirmation: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("MarkPendingConfirmation: %w", domain.ErrTransactionTerminal)
	}
	return nil
}

// ApplyTerminalState conditionally finalizes the transaction. It succeeds
// only while the current state is non-terminal; a repeat call reports
// applied=false with a nil error. Whichever confirmation channel gets here
// first wins the race, the other's call is a no-op.
func (r *TransactionRepository) ApplyTerminalState(ctx context.Context, id uuid.UUID, state domain.TransactionState, detail *string, raw json.RawMessage) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_transactions
		SET state = $2, detail = COALESCE($3, detail),
			raw_provider_payload = COALESCE($4, raw_provider_payload),
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND state IN ($5, $6)`,
		id, state, detail, nullableJSON(raw),
		domain.StateInitiated, domain.StatePendingConfirmation,
	)
	if err != nil {
		return false, fmt.Errorf("ApplyTerminalState: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ApplyTerminalState: rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("ApplyTerminalState: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("ApplyTerminalState: %w", domain.ErrNotFound)
	}
	return false, nil
}

// SupersedeCancelled moves a cancelled transaction to succeeded when the
// provider reports completion after an administrative cancel. Cancellation
// cannot undo a charge the provider already accepted, so the provider's
// signal wins. Returns false if the transaction is no longer cancelled.
func (r *TransactionRepository) SupersedeCancelled(ctx context.Context, id uuid.UUID, raw json.RawMessage) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_transactions
		SET state = $2, raw_provider_payload = COALESCE($3, raw_provider_payload),
			completed_at = now(), updated_at = now()
		WHERE id = $1 AND state = $4`,
		id, domain.StateSucceeded, nullableJSON(raw), domain.StateCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("SupersedeCancelled: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("SupersedeCancelled: rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id,
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return txn, nil
}

func (r *TransactionRepository) GetByProviderRef(ctx context.Context, providerRef string) (*domain.PaymentTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE provider_ref = $1`, providerRef,
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByProviderRef: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByProviderRef: %w", err)
	}
	return txn, nil
}

// GetActiveByOrderReference returns the one non-terminal transaction for an
// order, if any. The partial unique index guarantees at most one exists.
func (r *TransactionRepository) GetActiveByOrderReference(ctx context.Context, orderRef string) (*domain.PaymentTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE order_reference = $1 AND state IN ($2, $3)`,
		orderRef, domain.StateInitiated, domain.StatePendingConfirmation,
	)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetActiveByOrderReference: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetActiveByOrderReference: %w", err)
	}
	return txn, nil
}

// ListActive returns transactions still awaiting a terminal signal, oldest
// first, for the polling scheduler to adopt. Only rows created at or before
// olderThan are returned: a row younger than that may still have its
// initiate call in flight, and polling it would race the provider
// registering the request.
func (r *TransactionRepository) ListActive(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE state IN ($1, $2) AND created_at <= $3 ORDER BY created_at LIMIT $4`,
		domain.StateInitiated, domain.StatePendingConfirmation, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListActive: %w", err)
	}
	defer rows.Close()

	var txns []domain.PaymentTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActive: scan: %w", err)
		}
		txns = append(txns, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListActive: rows: %w", err)
	}
	return txns, nil
}

// RecordPollAttempt bumps the attempt counter after a provider status check,
// whether or not the check produced a terminal signal.
func (r *TransactionRepository) RecordPollAttempt(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payment_transactions
		SET attempt_count = attempt_count + 1, last_checked_at = now(), updated_at = now()
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("RecordPollAttempt: %w", err)
	}
	return nil
}

func scanTransaction(s scanner) (*domain.PaymentTransaction, error) {
	var txn domain.PaymentTransaction
	var raw *[]byte

	err := s.Scan(
		&txn.ID, &txn.OrderReference, &txn.Provider, &txn.PayerPhone, &txn.Amount,
		&txn.Currency, &txn.State, &txn.ProviderRef, &txn.Detail, &raw, &txn.AttemptCount,
		&txn.CreatedAt, &txn.UpdatedAt, &txn.LastCheckedAt, &txn.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		txn.RawProviderPayload = *raw
	}
	return &txn, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
