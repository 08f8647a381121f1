package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/katale-store/payments/internal/domain"
)

type WebhookEventRepository struct {
	db *sql.DB
}

func NewWebhookEventRepository(db *sql.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record stores the callback durably before it is acknowledged or acted on,
// and reports whether an identical delivery (same provider reference and
// payload hash) was already stored. A redelivery is inserted with outcome
// duplicate so the audit trail shows every delivery the provider made.
//
// Two identical deliveries racing can both see no prior row; the ledger's
// conditional update still guarantees a single terminal effect, so the
// duplicate marker here is audit metadata, not the correctness mechanism.
func (r *WebhookEventRepository) Record(ctx context.Context, event *domain.WebhookEvent) (duplicate bool, err error) {
	var outcome domain.WebhookOutcome
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (
			id, provider, provider_reference, payload_hash, payload, outcome, received_at
		)
		SELECT $1, $2, $3, $4, $5,
			CASE WHEN EXISTS (
				SELECT 1 FROM webhook_events
				WHERE provider_reference = $3 AND payload_hash = $4
			) THEN $6::text ELSE $7::text END,
			$8
		RETURNING outcome`,
		event.ID, event.Provider, event.ProviderRef, event.PayloadHash, []byte(event.Payload),
		domain.WebhookOutcomeDuplicate, domain.WebhookOutcomeReceived,
		event.ReceivedAt,
	).Scan(&outcome)
	if err != nil {
		return false, fmt.Errorf("Record: %w", err)
	}

	event.Outcome = outcome
	return outcome == domain.WebhookOutcomeDuplicate, nil
}

// MarkOutcome records the final disposition of a received callback.
func (r *WebhookEventRepository) MarkOutcome(ctx context.Context, id uuid.UUID, outcome domain.WebhookOutcome) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_events SET outcome = $1, processed_at = now() WHERE id = $2`,
		outcome, id,
	)
	if err != nil {
		return fmt.Errorf("MarkOutcome: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("MarkOutcome: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("MarkOutcome: %w", domain.ErrNotFound)
	}
	return nil
}

// GetByProviderRef returns every stored delivery for a provider reference,
// oldest first, for reconciliation and support tooling.
func (r *WebhookEventRepository) GetByProviderRef(ctx context.Context, providerRef string) ([]domain.WebhookEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, provider, provider_reference, payload_hash, payload, outcome, received_at, processed_at
		FROM webhook_events WHERE provider_reference = $1 ORDER BY received_at`,
		providerRef,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByProviderRef: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Provider, &e.ProviderRef, &e.PayloadHash, &payload, &e.Outcome, &e.ReceivedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("GetByProviderRef: scan: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByProviderRef: rows: %w", err)
	}
	return events, nil
}
