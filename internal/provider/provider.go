// Package provider holds one adapter per mobile-money operator behind a
// uniform initiate / query-status contract. Every call failure is classified
// here, at the boundary: callers only ever see TransientError or
// RejectedError, never a raw transport error.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/katale-store/payments/internal/domain"
)

// PaymentStatus is the common vocabulary both adapters normalize into.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusSucceeded PaymentStatus = "succeeded"
	StatusFailed    PaymentStatus = "failed"
)

type InitiateRequest struct {
	// ProviderRef is generated by the caller before the network call so a
	// lost response can still be resolved by QueryStatus instead of a blind
	// re-initiate, which could double-charge.
	ProviderRef  string
	PayerPhone   string // canonical 256XXXXXXXXX
	Amount       int64
	Currency     string
	OrderRef     string
	PayerMessage string
}

type InitiateResult struct {
	Status PaymentStatus
	Raw    json.RawMessage
}

type StatusResult struct {
	Status PaymentStatus
	Detail string
	Raw    json.RawMessage
}

type Client interface {
	// Initiate sends a request-to-pay prompt to the customer's handset.
	// It must be called at most once per provider reference.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)

	// QueryStatus checks the current disposition of an earlier request.
	QueryStatus(ctx context.Context, providerRef string) (*StatusResult, error)
}

// Registry maps a provider enum to its adapter.
type Registry map[domain.Provider]Client

func (r Registry) For(p domain.Provider) (Client, error) {
	c, ok := r[p]
	if !ok {
		return nil, fmt.Errorf("provider registry: %q: %w", p, domain.ErrUnsupportedProvider)
	}
	return c, nil
}

// TransientError covers network failures, timeouts, 5xx responses and
// malformed payloads. The caller may retry per its own policy; the payment
// state does not change.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError is a 4xx business rejection (insufficient funds, invalid
// payer, and so on). It is not retryable and maps directly to a failed
// transaction.
type RejectedError struct {
	Op         string
	StatusCode int
	Detail     string
	Raw        json.RawMessage
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected by provider (HTTP %d): %s", e.Op, e.StatusCode, e.Detail)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

func AsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	ok := errors.As(err, &re)
	return re, ok
}
