// Package domain contains persistence models for patient subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "ACTIVE"
	SubscriptionStatusExpired SubscriptionStatus = "EXPIRED"
)

// SessionKind selects which quota counter a deduction draws from.
type SessionKind string

const (
	SessionKindText  SessionKind = "text"
	SessionKindVoice SessionKind = "voice"
	SessionKindVideo SessionKind = "video"
)

// UnlimitedSessions is the sentinel quota value meaning "no cap"; it
// short-circuits every deduction check.
const UnlimitedSessions = -1

// Metadata keys recording one-time facts on a subscription.
const (
	MetaRolloverApplied = "rollover_applied"
	MetaOriginalEndDate = "original_end_date"
)

// Subscription captures a patient's plan and its three quota counters.
type Subscription struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	PatientID              snowflake.ID       `gorm:"not null;index"`
	Status                 SubscriptionStatus `gorm:"type:text;not null"`
	IsActive               bool               `gorm:"not null;default:true"`
	TextSessionsRemaining  int                `gorm:"not null;default:0"`
	VoiceSessionsRemaining int                `gorm:"not null;default:0"`
	VideoSessionsRemaining int                `gorm:"not null;default:0"`
	StartDate              time.Time          `gorm:"not null"`
	EndDate                time.Time          `gorm:"not null"`
	Metadata               datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Remaining returns the counter for the given kind.
func (s *Subscription) Remaining(kind SessionKind) int {
	switch kind {
	case SessionKindVoice:
		return s.VoiceSessionsRemaining
	case SessionKindVideo:
		return s.VideoSessionsRemaining
	default:
		return s.TextSessionsRemaining
	}
}

// Unlimited reports whether the counter for kind is uncapped.
func (s *Subscription) Unlimited(kind SessionKind) bool {
	return s.Remaining(kind) == UnlimitedSessions
}

// RolloverApplied reports whether the one-time grace extension was stamped.
func (s *Subscription) RolloverApplied() bool {
	if s.Metadata == nil {
		return false
	}
	applied, ok := s.Metadata[MetaRolloverApplied].(bool)
	return ok && applied
}

// OriginalEndDate returns the recorded pre-rollover end date when present.
func (s *Subscription) OriginalEndDate() (time.Time, bool) {
	if s.Metadata == nil {
		return time.Time{}, false
	}
	raw, ok := s.Metadata[MetaOriginalEndDate].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
