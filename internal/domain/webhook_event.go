package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookOutcome string

const (
	// WebhookOutcomeReceived is the durable initial record, written before
	// the callback is acknowledged to the provider.
	WebhookOutcomeReceived  WebhookOutcome = "received"
	WebhookOutcomeApplied   WebhookOutcome = "applied"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	WebhookOutcomeRejected  WebhookOutcome = "rejected"

	// WebhookOutcomeNoOp marks a valid terminal callback that lost the
	// race to the other confirmation channel. It is not a redelivery.
	WebhookOutcomeNoOp WebhookOutcome = "no_op"
)

// WebhookEvent is an audit record of one inbound provider callback.
// Redeliveries of the same (provider reference, payload hash) pair are
// stored again but marked duplicate, so at-most-once side effects hold
// under provider retry storms.
type WebhookEvent struct {
	ID          uuid.UUID
	Provider    Provider
	ProviderRef string
	PayloadHash string
	Payload     json.RawMessage
	Outcome     WebhookOutcome
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

func HashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
