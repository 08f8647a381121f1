package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katale-store/payments/internal/domain"
	"github.com/katale-store/payments/internal/provider"
	"github.com/katale-store/payments/internal/service"
)

const (
	mtnSecret    = "mtn-test-secret"
	airtelSecret = "airtel-test-secret"
)

type fakeEventRepo struct {
	records   []*domain.WebhookEvent
	duplicate bool
	outcomes  map[uuid.UUID]domain.WebhookOutcome
}

func (f *fakeEventRepo) Record(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	f.records = append(f.records, event)
	return f.duplicate, nil
}

func (f *fakeEventRepo) MarkOutcome(ctx context.Context, id uuid.UUID, outcome domain.WebhookOutcome) error {
	if f.outcomes == nil {
		f.outcomes = make(map[uuid.UUID]domain.WebhookOutcome)
	}
	f.outcomes[id] = outcome
	return nil
}

type fakeCoordinator struct {
	signals []service.Signal
	outcome service.SignalOutcome
}

func (f *fakeCoordinator) ApplySignal(ctx context.Context, sig service.Signal) (service.SignalOutcome, error) {
	f.signals = append(f.signals, sig)
	return f.outcome, nil
}

func newWebhookHandler(events *fakeEventRepo, coordinator *fakeCoordinator) *WebhookHandler {
	return NewWebhookHandler(events, coordinator, map[domain.Provider]string{
		domain.ProviderMTN:    mtnSecret,
		domain.ProviderAirtel: airtelSecret,
	})
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, h http.HandlerFunc, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/test", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestReceiveMTN_ValidSignature(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalApplied}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"referenceId":"ref-100","externalId":"ORD-1","status":"SUCCESSFUL"}`)
	rec := postWebhook(t, h.ReceiveMTN, body, signPayload(body, mtnSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)

	require.Len(t, coordinator.signals, 1)
	sig := coordinator.signals[0]
	assert.Equal(t, domain.ProviderMTN, sig.Provider)
	assert.Equal(t, "ref-100", sig.ProviderRef)
	assert.Equal(t, provider.StatusSucceeded, sig.Status)

	require.Len(t, events.records, 1)
	event := events.records[0]
	assert.Equal(t, domain.HashPayload(body), event.PayloadHash)
	assert.Equal(t, domain.WebhookOutcomeApplied, events.outcomes[event.ID])
}

func TestReceiveMTN_InvalidSignature(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalApplied}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"referenceId":"ref-101","status":"SUCCESSFUL"}`)
	rec := postWebhook(t, h.ReceiveMTN, body, signPayload(body, "wrong-secret"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, events.records)
	assert.Empty(t, coordinator.signals)
}

func TestReceiveMTN_MissingSignature(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalApplied}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"referenceId":"ref-102","status":"SUCCESSFUL"}`)
	rec := postWebhook(t, h.ReceiveMTN, body, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, coordinator.signals)
}

func TestReceiveMTN_TamperedBody(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalApplied}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"referenceId":"ref-103","status":"SUCCESSFUL"}`)
	signature := signPayload(body, mtnSecret)
	tampered := []byte(`{"referenceId":"ref-103","status":"FAILED"}`)

	rec := postWebhook(t, h.ReceiveMTN, tampered, signature)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, coordinator.signals)
}

func TestReceiveMTN_DuplicateDeliveryNotReapplied(t *testing.T) {
	events := &fakeEventRepo{duplicate: true}
	coordinator := &fakeCoordinator{outcome: service.SignalApplied}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"referenceId":"ref-104","status":"SUCCESSFUL"}`)
	rec := postWebhook(t, h.ReceiveMTN, body, signPayload(body, mtnSecret))

	// Acknowledged so the provider stops retrying, but not applied again.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, coordinator.signals)
	require.Len(t, events.records, 1)
}

func TestReceiveMTN_RaceLoserRecordedAsNoOp(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalNoOp}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"referenceId":"ref-110","status":"SUCCESSFUL"}`)
	rec := postWebhook(t, h.ReceiveMTN, body, signPayload(body, mtnSecret))

	// A first delivery that lost the race to the poller is acknowledged
	// and recorded distinctly from a provider redelivery.
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, coordinator.signals, 1)
	require.Len(t, events.records, 1)
	assert.Equal(t, domain.WebhookOutcomeNoOp, events.outcomes[events.records[0].ID])
}

func TestReceiveMTN_MissingReference(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalApplied}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"status":"SUCCESSFUL"}`)
	rec := postWebhook(t, h.ReceiveMTN, body, signPayload(body, mtnSecret))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
	assert.Empty(t, events.records)
}

func TestReceiveMTN_UnknownReferenceMarkedRejected(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalUnknownRef}
	h := newWebhookHandler(events, coordinator)

	body := []byte(`{"referenceId":"ref-105","status":"SUCCESSFUL"}`)
	rec := postWebhook(t, h.ReceiveMTN, body, signPayload(body, mtnSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, events.records, 1)
	assert.Equal(t, domain.WebhookOutcomeRejected, events.outcomes[events.records[0].ID])
}

func TestReceiveAirtel_StatusNormalization(t *testing.T) {
	tests := []struct {
		name string
		code string
		want provider.PaymentStatus
	}{
		{"TS is success", "TS", provider.StatusSucceeded},
		{"TF is failure", "TF", provider.StatusFailed},
		{"TIP stays pending", "TIP", provider.StatusPending},
		{"TA stays pending", "TA", provider.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &fakeEventRepo{}
			coordinator := &fakeCoordinator{outcome: service.SignalApplied}
			h := newWebhookHandler(events, coordinator)

			body := []byte(`{"transaction":{"id":"ref-200","status_code":"` + tt.code + `","message":"x"}}`)
			rec := postWebhook(t, h.ReceiveAirtel, body, signPayload(body, airtelSecret))

			assert.Equal(t, http.StatusOK, rec.Code)
			require.Len(t, coordinator.signals, 1)
			assert.Equal(t, tt.want, coordinator.signals[0].Status)
			assert.Equal(t, domain.ProviderAirtel, coordinator.signals[0].Provider)
		})
	}
}

func TestReceiveAirtel_SignatureScopedPerProvider(t *testing.T) {
	events := &fakeEventRepo{}
	coordinator := &fakeCoordinator{outcome: service.SignalApplied}
	h := newWebhookHandler(events, coordinator)

	// Signed with MTN's secret, delivered to the Airtel route.
	body := []byte(`{"transaction":{"id":"ref-201","status_code":"TS"}}`)
	rec := postWebhook(t, h.ReceiveAirtel, body, signPayload(body, mtnSecret))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, coordinator.signals)
}
