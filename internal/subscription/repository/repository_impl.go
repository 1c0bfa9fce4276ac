package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	dbpkg "github.com/smallbiznis/careline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, patient_id, status, is_active, text_sessions_remaining,
	 voice_sessions_remaining, video_sessions_remaining, start_date, end_date,
	 metadata, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, patient_id, status, is_active, text_sessions_remaining,
			voice_sessions_remaining, video_sessions_remaining, start_date, end_date,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.PatientID,
		subscription.Status,
		subscription.IsActive,
		subscription.TextSessionsRemaining,
		subscription.VoiceSessionsRemaining,
		subscription.VideoSessionsRemaining,
		subscription.StartDate,
		subscription.EndDate,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`+dbpkg.ForUpdate(db),
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindActiveByPatient(ctx context.Context, db *gorm.DB, patientID snowflake.ID, at time.Time) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE patient_id = ? AND status = ? AND is_active AND start_date <= ? AND end_date > ?
		 ORDER BY end_date DESC
		 LIMIT 1`,
		patientID,
		subscriptiondomain.SubscriptionStatusActive,
		at,
		at,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListActivePastEndDate(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = ? AND is_active AND end_date <= ?
		 ORDER BY end_date ASC
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) UpdateQuota(ctx context.Context, db *gorm.DB, id snowflake.ID, kind subscriptiondomain.SessionKind, remaining int, now time.Time) error {
	column := quotaColumn(kind)
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		remaining,
		now,
		id,
	).Error
}

// ApplyRollover extends the end date once; the end_date guard in the WHERE
// clause makes re-runs and concurrent sweeps no-ops.
func (r *repo) ApplyRollover(ctx context.Context, db *gorm.DB, id snowflake.ID, currentEnd, newEnd time.Time, metadata map[string]any, now time.Time) (bool, error) {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return false, err
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET end_date = ?, metadata = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND is_active AND end_date = ?`,
		newEnd,
		string(encoded),
		now,
		id,
		subscriptiondomain.SubscriptionStatusActive,
		currentEnd,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, is_active = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		subscriptiondomain.SubscriptionStatusExpired,
		false,
		now,
		id,
		subscriptiondomain.SubscriptionStatusActive,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func quotaColumn(kind subscriptiondomain.SessionKind) string {
	switch kind {
	case subscriptiondomain.SessionKindVoice:
		return "voice_sessions_remaining"
	case subscriptiondomain.SessionKindVideo:
		return "video_sessions_remaining"
	default:
		return "text_sessions_remaining"
	}
}
