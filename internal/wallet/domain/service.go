package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreditRequest struct {
	ProviderID snowflake.ID
	Amount     int64
	Currency   string
	Category   TransactionCategory
	RefType    ReferenceType
	RefID      snowflake.ID
	// Sequence disambiguates repeated postings against the same reference;
	// zero for one-shot categories, the unit watermark for auto-deductions.
	Sequence int
	Metadata map[string]any
}

type Service interface {
	// CreditTx appends a transaction and bumps the balance inside the
	// caller's transaction. Credit has no business-rule rejection; it
	// fails only on storage errors or a replayed (ref, category) pair.
	CreditTx(ctx context.Context, tx *gorm.DB, req CreditRequest) (WalletTransaction, error)

	GetByProvider(ctx context.Context, providerID snowflake.ID) (Wallet, error)
	ListTransactions(ctx context.Context, providerID snowflake.ID, limit int) ([]WalletTransaction, error)
}

var (
	ErrInvalidProvider = errors.New("invalid_provider")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrInvalidCategory = errors.New("invalid_category")
	ErrInvalidRef      = errors.New("invalid_reference")
	ErrWalletNotFound  = errors.New("wallet_not_found")
	// ErrDuplicateTransaction signals the idempotency guard fired; callers
	// treat it as success since the desired end state already exists.
	ErrDuplicateTransaction = errors.New("duplicate_transaction")
)
