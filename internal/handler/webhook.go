package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/katale-store/payments/internal/domain"
	"github.com/katale-store/payments/internal/logging"
	"github.com/katale-store/payments/internal/provider"
	"github.com/katale-store/payments/internal/service"
)

type webhookEventRepository interface {
	Record(ctx context.Context, event *domain.WebhookEvent) (duplicate bool, err error)
	MarkOutcome(ctx context.Context, id uuid.UUID, outcome domain.WebhookOutcome) error
}

type signalCoordinator interface {
	ApplySignal(ctx context.Context, sig service.Signal) (service.SignalOutcome, error)
}

// WebhookHandler is the ingress for provider callbacks: authenticate,
// record durably, deduplicate, normalize, hand off to the coordinator.
// One route per provider; payload shape is an adapter detail that stops
// here.
type WebhookHandler struct {
	events      webhookEventRepository
	coordinator signalCoordinator
	secrets     map[domain.Provider]string
}

func NewWebhookHandler(events webhookEventRepository, coordinator signalCoordinator, secrets map[domain.Provider]string) *WebhookHandler {
	return &WebhookHandler{events: events, coordinator: coordinator, secrets: secrets}
}

func (h *WebhookHandler) ReceiveMTN(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, domain.ProviderMTN, parseMTNWebhook)
}

func (h *WebhookHandler) ReceiveAirtel(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, domain.ProviderAirtel, parseAirtelWebhook)
}

type webhookParser func(body []byte) (service.Signal, []FieldError)

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request, p domain.Provider, parse webhookParser) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err, "provider", p)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Callback-Signature")
	}
	if !verifyHMAC(body, sig, h.secrets[p]) {
		log.Warn("webhook signature verification failed", "provider", p)
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	signal, fields := parse(body)
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}
	signal.Provider = p

	event := &domain.WebhookEvent{
		ID:          uuid.New(),
		Provider:    p,
		ProviderRef: signal.ProviderRef,
		PayloadHash: domain.HashPayload(body),
		Payload:     body,
		ReceivedAt:  time.Now().UTC(),
	}

	// The event is stored before we acknowledge or act: a crash after this
	// point loses no callback, and redelivery resolves through dedup.
	duplicate, err := h.events.Record(r.Context(), event)
	if err != nil {
		log.Error("failed to store webhook event", "error", err, "provider", p)
		RespondAppError(w, ErrInternalError, nil)
		return
	}
	if duplicate {
		log.Info("duplicate webhook delivery",
			"provider", p,
			"provider_ref", signal.ProviderRef,
			"webhook_event_id", event.ID,
		)
		RespondSuccess(w, http.StatusOK, map[string]string{"status": "already_received"})
		return
	}

	outcome, err := h.coordinator.ApplySignal(r.Context(), signal)
	if err != nil {
		// The event is durable; it can be replayed by support tooling.
		log.Error("failed to apply webhook signal", "error", err, "webhook_event_id", event.ID)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	if err := h.events.MarkOutcome(r.Context(), event.ID, webhookOutcome(outcome)); err != nil {
		log.Error("failed to record webhook outcome", "error", err, "webhook_event_id", event.ID)
	}

	log.Info("webhook processed",
		"provider", p,
		"provider_ref", signal.ProviderRef,
		"webhook_event_id", event.ID,
		"outcome", outcome,
	)
	RespondSuccess(w, http.StatusOK, map[string]string{"status": "processed"})
}

func webhookOutcome(o service.SignalOutcome) domain.WebhookOutcome {
	switch o {
	case service.SignalApplied:
		return domain.WebhookOutcomeApplied
	case service.SignalUnknownRef:
		return domain.WebhookOutcomeRejected
	default:
		return domain.WebhookOutcomeNoOp
	}
}

type mtnWebhookPayload struct {
	ExternalID  string `json:"externalId"`
	ReferenceID string `json:"referenceId"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
}

func parseMTNWebhook(body []byte) (service.Signal, []FieldError) {
	var p mtnWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return service.Signal{}, []FieldError{{Field: "body", Message: "must be valid JSON"}}
	}
	if p.ReferenceID == "" {
		return service.Signal{}, []FieldError{{Field: "referenceId", Message: "required"}}
	}

	return service.Signal{
		ProviderRef: p.ReferenceID,
		Status:      mtnCallbackStatus(p.Status),
		Detail:      p.Reason,
		Raw:         body,
	}, nil
}

func mtnCallbackStatus(status string) provider.PaymentStatus {
	switch status {
	case "SUCCESSFUL":
		return provider.StatusSucceeded
	case "FAILED", "REJECTED", "TIMEOUT":
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

type airtelWebhookPayload struct {
	Transaction struct {
		ID         string `json:"id"`
		StatusCode string `json:"status_code"`
		Message    string `json:"message"`
	} `json:"transaction"`
}

func parseAirtelWebhook(body []byte) (service.Signal, []FieldError) {
	var p airtelWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return service.Signal{}, []FieldError{{Field: "body", Message: "must be valid JSON"}}
	}
	if p.Transaction.ID == "" {
		return service.Signal{}, []FieldError{{Field: "transaction.id", Message: "required"}}
	}

	return service.Signal{
		ProviderRef: p.Transaction.ID,
		Status:      airtelCallbackStatus(p.Transaction.StatusCode),
		Detail:      p.Transaction.Message,
		Raw:         body,
	}, nil
}

func airtelCallbackStatus(code string) provider.PaymentStatus {
	switch code {
	case "TS":
		return provider.StatusSucceeded
	case "TF", "CANCELLED":
		return provider.StatusFailed
	default:
		// TA (ambiguous) and TIP (in progress) stay pending; polling will
		// settle them.
		return provider.StatusPending
	}
}

func verifyHMAC(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
