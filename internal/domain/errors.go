package domain

import "errors"

var (
	ErrNotFound                   = errors.New("not found")
	ErrInvalidPhone               = errors.New("invalid Uganda phone number")
	ErrInvalidAmount              = errors.New("amount must be at least 100 UGX")
	ErrUnsupportedProvider        = errors.New("unsupported payment provider")
	ErrDuplicateActiveTransaction = errors.New("an active transaction already exists for this order")
	ErrTransactionTerminal        = errors.New("transaction already in terminal state")
)
