package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidPhone               = &AppError{http.StatusBadRequest, "INVALID_PHONE_NUMBER", "Phone number is not a valid Uganda subscriber number"}
	ErrInvalidAmount              = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be at least 100 UGX"}
	ErrUnsupportedProvider        = &AppError{http.StatusBadRequest, "UNSUPPORTED_PROVIDER", "Payment provider is not supported"}
	ErrDuplicateActiveTransaction = &AppError{http.StatusConflict, "DUPLICATE_ACTIVE_TRANSACTION", "An active payment already exists for this order"}
	ErrInvalidSignature           = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}
)
