// Package domain contains the canonical text and call consultation records.
// Rows are never deleted; a finished session is only marked terminal.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	"gorm.io/datatypes"
)

// SessionType discriminates the two consultation variants.
type SessionType string

const (
	SessionTypeText SessionType = "text"
	SessionTypeCall SessionType = "call"
)

// Ref is a typed session reference. Everything past the context guard works
// with a Ref, never with a bare identifier.
type Ref struct {
	Type SessionType
	ID   snowflake.ID
}

// Identifier renders the prefixed wire form, e.g. "text_193847".
func (r Ref) Identifier() string {
	return string(r.Type) + "_" + r.ID.String()
}

// TextSessionStatus is the closed set of text-consultation states.
type TextSessionStatus string

const (
	TextStatusWaitingForProvider TextSessionStatus = "WAITING_FOR_PROVIDER"
	TextStatusActive             TextSessionStatus = "ACTIVE"
	TextStatusEnded              TextSessionStatus = "ENDED"
	TextStatusExpired            TextSessionStatus = "EXPIRED"
)

// Terminal reports whether the state can never be left again.
func (s TextSessionStatus) Terminal() bool {
	return s == TextStatusEnded || s == TextStatusExpired
}

// CallSessionStatus is the closed set of call-consultation states.
type CallSessionStatus string

const (
	CallStatusConnecting         CallSessionStatus = "CONNECTING"
	CallStatusWaitingForProvider CallSessionStatus = "WAITING_FOR_PROVIDER"
	CallStatusAnswered           CallSessionStatus = "ANSWERED"
	CallStatusActive             CallSessionStatus = "ACTIVE"
	CallStatusEnded              CallSessionStatus = "ENDED"
)

func (s CallSessionStatus) Terminal() bool {
	return s == CallStatusEnded
}

// EndType distinguishes how a session terminated; settlement policy depends
// on it.
type EndType string

const (
	EndTypeManual  EndType = "manual"
	EndTypeTimeout EndType = "timeout"
)

// TextSession is a text consultation between one patient and one provider.
type TextSession struct {
	ID                           snowflake.ID      `gorm:"primaryKey"`
	PatientID                    snowflake.ID      `gorm:"not null;index"`
	ProviderID                   snowflake.ID      `gorm:"not null;index"`
	Status                       TextSessionStatus `gorm:"type:text;not null;index"`
	StartedAt                    time.Time         `gorm:"not null"`
	LastActivityAt               time.Time         `gorm:"not null"`
	SessionsUsed                 int               `gorm:"not null;default:0"`
	AutoDeductionsProcessed      int               `gorm:"not null;default:0"`
	SessionsRemainingBeforeStart int               `gorm:"not null;default:0"`
	AppointmentID                *snowflake.ID     `gorm:"index"`
	Metadata                     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt                    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TextSession) TableName() string { return "text_sessions" }

// CallSession is a voice or video consultation. Billing requires ConnectedAt
// to be non-null: a call that never connected is never billable.
type CallSession struct {
	ID                           snowflake.ID                   `gorm:"primaryKey"`
	PatientID                    snowflake.ID                   `gorm:"not null;index"`
	ProviderID                   snowflake.ID                   `gorm:"not null;index"`
	Kind                         subscriptiondomain.SessionKind `gorm:"type:text;not null"`
	Status                       CallSessionStatus              `gorm:"type:text;not null;index"`
	StartedAt                    time.Time                      `gorm:"not null"`
	LastActivityAt               time.Time                      `gorm:"not null"`
	ConnectedAt                  *time.Time                     `gorm:""`
	SessionsUsed                 int                            `gorm:"not null;default:0"`
	AutoDeductionsProcessed      int                            `gorm:"not null;default:0"`
	SessionsRemainingBeforeStart int                            `gorm:"not null;default:0"`
	AppointmentID                *snowflake.ID                  `gorm:"index"`
	Metadata                     datatypes.JSONMap              `gorm:"type:jsonb"`
	CreatedAt                    time.Time                      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt                    time.Time                      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CallSession) TableName() string { return "call_sessions" }

// BillingAnchor returns the instant elapsed billable time is measured from,
// and false when the session has no billable anchor yet.
func (c *CallSession) BillingAnchor() (time.Time, bool) {
	if c.ConnectedAt == nil {
		return time.Time{}, false
	}
	return *c.ConnectedAt, true
}
