package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// DeductResult reports what a guarded quota decrement actually did.
type DeductResult struct {
	SubscriptionID snowflake.ID
	Kind           SessionKind
	Requested      int
	Deducted       int
	Remaining      int
	Unlimited      bool
}

// ExpirationOutcome summarizes one sweep pass.
type ExpirationOutcome struct {
	RolledOver int
	Expired    int
	Skipped    int
}

type CreateSubscriptionRequest struct {
	PatientID              snowflake.ID
	TextSessionsRemaining  int
	VoiceSessionsRemaining int
	VideoSessionsRemaining int
	StartDate              time.Time
	PlanDays               int
	Metadata               map[string]any
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	GetActiveByPatient(ctx context.Context, patientID snowflake.ID) (Subscription, error)

	// DeductQuotaTx re-reads the subscription under a write lock inside the
	// caller's transaction and decrements the counter for kind. It never
	// takes a counter below zero; requests that would are rejected whole
	// with ErrInsufficientQuota.
	DeductQuotaTx(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind SessionKind, units int) (DeductResult, error)

	// DeductQuotaCappedTx deducts min(units, remaining); it is the
	// settlement path, which must never block a session end.
	DeductQuotaCappedTx(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind SessionKind, units int) (DeductResult, error)

	// ProcessExpirations sweeps active subscriptions whose end date has
	// passed, applying the one-time grace rollover or expiring them. Safe
	// to re-run.
	ProcessExpirations(ctx context.Context, batchSize int) (ExpirationOutcome, error)
}

var (
	ErrInvalidPatient         = errors.New("invalid_patient")
	ErrInvalidPlanDays        = errors.New("invalid_plan_days")
	ErrInvalidUnits           = errors.New("invalid_units")
	ErrInvalidSessionKind     = errors.New("invalid_session_kind")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrSubscriptionNotActive  = errors.New("subscription_not_active")
	ErrInsufficientQuota      = errors.New("insufficient_quota")
	ErrDuplicateSubscription  = errors.New("duplicate_active_subscription")
	ErrRolloverAlreadyApplied = errors.New("rollover_already_applied")
)
