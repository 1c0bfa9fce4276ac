package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/smallbiznis/careline/internal/session/domain"
	dbpkg "github.com/smallbiznis/careline/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sessiondomain.Repository {
	return &repo{}
}

const textColumns = `id, patient_id, provider_id, status, started_at, last_activity_at,
	 sessions_used, auto_deductions_processed, sessions_remaining_before_start,
	 appointment_id, metadata, created_at, updated_at`

const callColumns = `id, patient_id, provider_id, kind, status, started_at, last_activity_at,
	 connected_at, sessions_used, auto_deductions_processed, sessions_remaining_before_start,
	 appointment_id, metadata, created_at, updated_at`

func (r *repo) InsertText(ctx context.Context, db *gorm.DB, session *sessiondomain.TextSession) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO text_sessions (
			id, patient_id, provider_id, status, started_at, last_activity_at,
			sessions_used, auto_deductions_processed, sessions_remaining_before_start,
			appointment_id, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.PatientID,
		session.ProviderID,
		session.Status,
		session.StartedAt,
		session.LastActivityAt,
		session.SessionsUsed,
		session.AutoDeductionsProcessed,
		session.SessionsRemainingBeforeStart,
		session.AppointmentID,
		session.Metadata,
		session.CreatedAt,
		session.UpdatedAt,
	).Error
}

func (r *repo) InsertCall(ctx context.Context, db *gorm.DB, session *sessiondomain.CallSession) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO call_sessions (
			id, patient_id, provider_id, kind, status, started_at, last_activity_at,
			connected_at, sessions_used, auto_deductions_processed, sessions_remaining_before_start,
			appointment_id, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.PatientID,
		session.ProviderID,
		session.Kind,
		session.Status,
		session.StartedAt,
		session.LastActivityAt,
		session.ConnectedAt,
		session.SessionsUsed,
		session.AutoDeductionsProcessed,
		session.SessionsRemainingBeforeStart,
		session.AppointmentID,
		session.Metadata,
		session.CreatedAt,
		session.UpdatedAt,
	).Error
}

func (r *repo) FindTextByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sessiondomain.TextSession, error) {
	return r.findText(ctx, db, id, "")
}

func (r *repo) FindTextByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sessiondomain.TextSession, error) {
	return r.findText(ctx, db, id, dbpkg.ForUpdate(db))
}

func (r *repo) findText(ctx context.Context, db *gorm.DB, id snowflake.ID, suffix string) (*sessiondomain.TextSession, error) {
	var session sessiondomain.TextSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+textColumns+` FROM text_sessions WHERE id = ?`+suffix,
		id,
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) FindCallByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sessiondomain.CallSession, error) {
	return r.findCall(ctx, db, id, "")
}

func (r *repo) FindCallByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sessiondomain.CallSession, error) {
	return r.findCall(ctx, db, id, dbpkg.ForUpdate(db))
}

func (r *repo) findCall(ctx context.Context, db *gorm.DB, id snowflake.ID, suffix string) (*sessiondomain.CallSession, error) {
	var session sessiondomain.CallSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+callColumns+` FROM call_sessions WHERE id = ?`+suffix,
		id,
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) FindActiveTextBetween(ctx context.Context, db *gorm.DB, patientID, providerID snowflake.ID) (*sessiondomain.TextSession, error) {
	var session sessiondomain.TextSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+textColumns+` FROM text_sessions
		 WHERE patient_id = ? AND provider_id = ? AND status IN ?
		 LIMIT 1`,
		patientID,
		providerID,
		[]sessiondomain.TextSessionStatus{
			sessiondomain.TextStatusWaitingForProvider,
			sessiondomain.TextStatusActive,
		},
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) FindActiveCallBetween(ctx context.Context, db *gorm.DB, patientID, providerID snowflake.ID) (*sessiondomain.CallSession, error) {
	var session sessiondomain.CallSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+callColumns+` FROM call_sessions
		 WHERE patient_id = ? AND provider_id = ? AND status IN ?
		 LIMIT 1`,
		patientID,
		providerID,
		[]sessiondomain.CallSessionStatus{
			sessiondomain.CallStatusConnecting,
			sessiondomain.CallStatusWaitingForProvider,
			sessiondomain.CallStatusAnswered,
			sessiondomain.CallStatusActive,
		},
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) ListBillableText(ctx context.Context, db *gorm.DB, limit int) ([]sessiondomain.TextSession, error) {
	var sessions []sessiondomain.TextSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+textColumns+` FROM text_sessions
		 WHERE status = ?
		 ORDER BY started_at ASC
		 LIMIT ?`,
		sessiondomain.TextStatusActive,
		limit,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) ListBillableCalls(ctx context.Context, db *gorm.DB, limit int) ([]sessiondomain.CallSession, error) {
	var sessions []sessiondomain.CallSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+callColumns+` FROM call_sessions
		 WHERE status = ? AND connected_at IS NOT NULL
		 ORDER BY started_at ASC
		 LIMIT ?`,
		sessiondomain.CallStatusActive,
		limit,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) ListTextInactiveSince(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]sessiondomain.TextSession, error) {
	var sessions []sessiondomain.TextSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+textColumns+` FROM text_sessions
		 WHERE status IN ? AND last_activity_at <= ?
		 ORDER BY last_activity_at ASC
		 LIMIT ?`,
		[]sessiondomain.TextSessionStatus{
			sessiondomain.TextStatusWaitingForProvider,
			sessiondomain.TextStatusActive,
		},
		cutoff,
		limit,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) ListCallInactiveSince(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]sessiondomain.CallSession, error) {
	var sessions []sessiondomain.CallSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+callColumns+` FROM call_sessions
		 WHERE status IN ? AND last_activity_at <= ?
		 ORDER BY last_activity_at ASC
		 LIMIT ?`,
		[]sessiondomain.CallSessionStatus{
			sessiondomain.CallStatusConnecting,
			sessiondomain.CallStatusWaitingForProvider,
			sessiondomain.CallStatusAnswered,
			sessiondomain.CallStatusActive,
		},
		cutoff,
		limit,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// UpdateTextStatus performs a guarded transition; the status IN ? clause is
// what keeps terminal states from being re-entered under concurrency.
func (r *repo) UpdateTextStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []sessiondomain.TextSessionStatus, to sessiondomain.TextSessionStatus, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE text_sessions SET status = ?, last_activity_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		now,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateCallStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []sessiondomain.CallSessionStatus, to sessiondomain.CallSessionStatus, connectedAt *time.Time, now time.Time) (bool, error) {
	var result *gorm.DB
	if connectedAt != nil {
		result = db.WithContext(ctx).Exec(
			`UPDATE call_sessions
			 SET status = ?, connected_at = COALESCE(connected_at, ?), last_activity_at = ?, updated_at = ?
			 WHERE id = ? AND status IN ?`,
			to,
			connectedAt,
			now,
			now,
			id,
			from,
		)
	} else {
		result = db.WithContext(ctx).Exec(
			`UPDATE call_sessions SET status = ?, last_activity_at = ?, updated_at = ?
			 WHERE id = ? AND status IN ?`,
			to,
			now,
			now,
			id,
			from,
		)
	}
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateTextCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionsUsed, autoDeductionsProcessed int, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE text_sessions
		 SET sessions_used = ?, auto_deductions_processed = ?, updated_at = ?
		 WHERE id = ?`,
		sessionsUsed,
		autoDeductionsProcessed,
		now,
		id,
	).Error
}

func (r *repo) UpdateCallCounters(ctx context.Context, db *gorm.DB, id snowflake.ID, sessionsUsed, autoDeductionsProcessed int, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE call_sessions
		 SET sessions_used = ?, auto_deductions_processed = ?, updated_at = ?
		 WHERE id = ?`,
		sessionsUsed,
		autoDeductionsProcessed,
		now,
		id,
	).Error
}

func (r *repo) TouchText(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE text_sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
		now,
		now,
		id,
	).Error
}

func (r *repo) TouchCall(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE call_sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`,
		now,
		now,
		id,
	).Error
}
