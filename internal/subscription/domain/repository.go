package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindActiveByPatient(ctx context.Context, db *gorm.DB, patientID snowflake.ID, at time.Time) (*Subscription, error)
	ListActivePastEndDate(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	UpdateQuota(ctx context.Context, db *gorm.DB, id snowflake.ID, kind SessionKind, remaining int, now time.Time) error
	ApplyRollover(ctx context.Context, db *gorm.DB, id snowflake.ID, currentEnd, newEnd time.Time, metadata map[string]any, now time.Time) (bool, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
}
