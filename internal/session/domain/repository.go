package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertText(ctx context.Context, db *gorm.DB, session *TextSession) error
	InsertCall(ctx context.Context, db *gorm.DB, session *CallSession) error

	FindTextByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*TextSession, error)
	FindTextByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*TextSession, error)
	FindCallByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CallSession, error)
	FindCallByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*CallSession, error)

	FindActiveTextBetween(ctx context.Context, db *gorm.DB, patientID, providerID snowflake.ID) (*TextSession, error)
	FindActiveCallBetween(ctx context.Context, db *gorm.DB, patientID, providerID snowflake.ID) (*CallSession, error)

	ListBillableText(ctx context.Context, db *gorm.DB, limit int) ([]TextSession, error)
	ListBillableCalls(ctx context.Context, db *gorm.DB, limit int) ([]CallSession, error)
	ListTextInactiveSince(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]TextSession, error)
	ListCallInactiveSince(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]CallSession, error)

	UpdateTextStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []TextSessionStatus, to TextSessionStatus, now time.Time) (bool, error)
	UpdateCallStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []CallSessionStatus, to CallSessionStatus, connectedAt *time.Time, now time.Time) (bool, error)

	UpdateTextCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionsUsed, autoDeductionsProcessed int, now time.Time) error
	UpdateCallCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionsUsed, autoDeductionsProcessed int, now time.Time) error

	TouchText(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	TouchCall(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}
