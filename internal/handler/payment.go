package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/katale-store/payments/internal/domain"
	"github.com/katale-store/payments/internal/logging"
	"github.com/katale-store/payments/internal/service"
)

type paymentOrchestrator interface {
	InitiatePayment(ctx context.Context, req service.InitiatePaymentRequest) (*domain.PaymentTransaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
	Cancel(ctx context.Context, id uuid.UUID) (*domain.PaymentTransaction, error)
}

type PaymentHandler struct {
	payments paymentOrchestrator
}

func NewPaymentHandler(payments paymentOrchestrator) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type initiatePaymentRequest struct {
	OrderReference string `json:"order_reference"`
	Provider       string `json:"provider"`
	PhoneNumber    string `json:"phone_number"`
	Amount         int64  `json:"amount"`
	PayerMessage   string `json:"payer_message"`
}

func (r initiatePaymentRequest) Validate() []FieldError {
	var errs []FieldError

	if r.OrderReference == "" {
		errs = append(errs, FieldError{Field: "order_reference", Message: "required"})
	}

	if r.Provider == "" {
		errs = append(errs, FieldError{Field: "provider", Message: "required"})
	} else if !domain.Provider(r.Provider).IsValid() {
		errs = append(errs, FieldError{Field: "provider", Message: "must be mtn_momo or airtel_money"})
	}

	if r.PhoneNumber == "" {
		errs = append(errs, FieldError{Field: "phone_number", Message: "required"})
	}

	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

type transactionDTO struct {
	TransactionID  uuid.UUID  `json:"transaction_id"`
	OrderReference string     `json:"order_reference"`
	Provider       string     `json:"provider"`
	Amount         int64      `json:"amount"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func toTransactionDTO(txn *domain.PaymentTransaction) transactionDTO {
	return transactionDTO{
		TransactionID:  txn.ID,
		OrderReference: txn.OrderReference,
		Provider:       string(txn.Provider),
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		Status:         txn.ClientStatus(),
		CreatedAt:      txn.CreatedAt,
		CompletedAt:    txn.CompletedAt,
	}
}

// InitiatePayment kicks off a wallet payment for an order. The response
// carries the transaction id as soon as the provider acknowledges the
// prompt; completion arrives later through webhooks or polling.
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	txn, err := h.payments.InitiatePayment(r.Context(), service.InitiatePaymentRequest{
		OrderReference: req.OrderReference,
		Provider:       domain.Provider(req.Provider),
		PayerPhoneRaw:  req.PhoneNumber,
		Amount:         req.Amount,
		PayerMessage:   req.PayerMessage,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	log.Info("payment initiation accepted",
		"transaction_id", txn.ID,
		"order_reference", txn.OrderReference,
		"status", txn.ClientStatus(),
	)
	RespondSuccess(w, http.StatusCreated, toTransactionDTO(txn))
}

func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondValidationError(w, []FieldError{{Field: "id", Message: "must be a valid UUID"}})
		return
	}

	txn, err := h.payments.GetTransaction(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(txn))
}

func (h *PaymentHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondValidationError(w, []FieldError{{Field: "id", Message: "must be a valid UUID"}})
		return
	}

	txn, err := h.payments.Cancel(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(txn))
}
