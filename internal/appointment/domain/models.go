// Package domain contains the appointment record. The engine touches it only
// for session conversion and for its one-shot payment/deduction markers.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type AppointmentStatus string

const (
	AppointmentStatusConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentStatusCompleted AppointmentStatus = "COMPLETED"
	AppointmentStatusCanceled  AppointmentStatus = "CANCELED"
)

// Appointment carries two idempotency sentinels, not a log:
// EarningsAwarded stays 0 until the provider is paid exactly once, and
// SessionsDeducted stays 0 until the patient quota is deducted exactly once.
type Appointment struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	PatientID        snowflake.ID      `gorm:"not null;index"`
	ProviderID       snowflake.ID      `gorm:"not null;index"`
	Status           AppointmentStatus `gorm:"type:text;not null"`
	SessionKind      string            `gorm:"type:text;not null"`
	ScheduledAt      time.Time         `gorm:"not null;index"`
	SessionID        *snowflake.ID     `gorm:"index"`
	EarningsAwarded  int64             `gorm:"not null;default:0"`
	SessionsDeducted int               `gorm:"not null;default:0"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Appointment) TableName() string { return "appointments" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, appointment *Appointment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Appointment, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Appointment, error)
	ListDueForConversion(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Appointment, error)
	CountConversionBacklog(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	LinkSession(ctx context.Context, db *gorm.DB, id, sessionID snowflake.ID, now time.Time) (bool, error)
	MarkEarningsAwarded(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)
	MarkSessionsDeducted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
}

var (
	ErrAppointmentNotFound = errors.New("appointment_not_found")
	ErrInvalidAppointment  = errors.New("invalid_appointment")
)
