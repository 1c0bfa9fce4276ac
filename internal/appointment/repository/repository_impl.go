package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	dbpkg "github.com/smallbiznis/careline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() appointmentdomain.Repository {
	return &repo{}
}

const appointmentColumns = `id, patient_id, provider_id, status, session_kind, scheduled_at,
	 session_id, earnings_awarded, sessions_deducted, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, appointment *appointmentdomain.Appointment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO appointments (
			id, patient_id, provider_id, status, session_kind, scheduled_at,
			session_id, earnings_awarded, sessions_deducted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		appointment.ID,
		appointment.PatientID,
		appointment.ProviderID,
		appointment.Status,
		appointment.SessionKind,
		appointment.ScheduledAt,
		appointment.SessionID,
		appointment.EarningsAwarded,
		appointment.SessionsDeducted,
		appointment.CreatedAt,
		appointment.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*appointmentdomain.Appointment, error) {
	var appointment appointmentdomain.Appointment
	err := db.WithContext(ctx).Raw(
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`,
		id,
	).Scan(&appointment).Error
	if err != nil {
		return nil, err
	}
	if appointment.ID == 0 {
		return nil, nil
	}
	return &appointment, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*appointmentdomain.Appointment, error) {
	var appointment appointmentdomain.Appointment
	err := db.WithContext(ctx).Raw(
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`+dbpkg.ForUpdate(db),
		id,
	).Scan(&appointment).Error
	if err != nil {
		return nil, err
	}
	if appointment.ID == 0 {
		return nil, nil
	}
	return &appointment, nil
}

func (r *repo) ListDueForConversion(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]appointmentdomain.Appointment, error) {
	var appointments []appointmentdomain.Appointment
	err := db.WithContext(ctx).Raw(
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE status = ? AND session_id IS NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC
		 LIMIT ?`,
		appointmentdomain.AppointmentStatusConfirmed,
		now,
		limit,
	).Scan(&appointments).Error
	if err != nil {
		return nil, err
	}
	return appointments, nil
}

func (r *repo) CountConversionBacklog(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM appointments
		 WHERE status = ? AND session_id IS NULL AND scheduled_at <= ?`,
		appointmentdomain.AppointmentStatusConfirmed,
		now,
	).Scan(&count).Error
	return count, err
}

func (r *repo) LinkSession(ctx context.Context, db *gorm.DB, id, sessionID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE appointments SET session_id = ?, updated_at = ?
		 WHERE id = ? AND session_id IS NULL`,
		sessionID,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkEarningsAwarded flips the one-shot payment sentinel; the
// earnings_awarded = 0 guard is the double-payment defense.
func (r *repo) MarkEarningsAwarded(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE appointments SET earnings_awarded = ?, updated_at = ?
		 WHERE id = ? AND earnings_awarded = 0`,
		amount,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkSessionsDeducted(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE appointments SET sessions_deducted = 1, updated_at = ?
		 WHERE id = ? AND sessions_deducted = 0`,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
