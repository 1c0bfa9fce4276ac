// Package convmetrics tracks appointment-to-session conversion health:
// backlog depth, success/failure counters and a rolling per-minute failure
// rate with alert thresholds on top.
package convmetrics

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	appointmentdomain "github.com/smallbiznis/careline/internal/appointment/domain"
	"github.com/smallbiznis/careline/internal/clock"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	bucketKeyPrefix = "careline:conv"
	// bucketTTL outlives the widest rate window so late reads still see the
	// oldest bucket.
	bucketTTL = 15 * time.Minute

	defaultWindowMinutes = 10
)

// AlertLevel is the conversion health verdict.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Thresholds drive EvaluateAlerts. Zero values fall back to defaults.
type Thresholds struct {
	WarningFailureRate  float64
	CriticalFailureRate float64
	WarningBacklog      int64
	CriticalBacklog     int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningFailureRate:  0.10,
		CriticalFailureRate: 0.25,
		WarningBacklog:      25,
		CriticalBacklog:     100,
	}
}

// Snapshot is what the ops endpoint serves.
type Snapshot struct {
	Backlog       int64      `json:"backlog"`
	WindowMinutes int        `json:"window_minutes"`
	Successes     int64      `json:"successes"`
	Failures      int64      `json:"failures"`
	FailureRate   float64    `json:"failure_rate"`
	Alert         AlertLevel `json:"alert"`
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	AppointmentRepo appointmentdomain.Repository
	Redis           *redis.Client `optional:"true"`
}

type Tracker struct {
	db              *gorm.DB
	log             *zap.Logger
	clock           clock.Clock
	appointmentRepo appointmentdomain.Repository
	store           BucketStore
	thresholds      Thresholds
}

func NewTracker(p Params) *Tracker {
	var store BucketStore
	if p.Redis != nil {
		store = NewRedisBucketStore(p.Redis)
	} else {
		store = NewMemoryBucketStore()
	}
	return &Tracker{
		db:              p.DB,
		log:             p.Log.Named("convmetrics"),
		clock:           p.Clock,
		appointmentRepo: p.AppointmentRepo,
		store:           store,
		thresholds:      DefaultThresholds(),
	}
}

// RecordSuccess counts one appointment successfully converted to a session.
func (t *Tracker) RecordSuccess(ctx context.Context) {
	obsmetrics.Engine().IncSessionFromAppointment()
	if _, err := t.store.Incr(ctx, t.bucketKey("ok", t.clock.Now()), bucketTTL); err != nil {
		t.log.Warn("conversion bucket increment failed", zap.Error(err))
	}
}

// RecordFailure counts one failed conversion by reason.
func (t *Tracker) RecordFailure(ctx context.Context, reason string) {
	obsmetrics.Engine().IncConversionFailure(reason)
	if _, err := t.store.Incr(ctx, t.bucketKey("fail", t.clock.Now()), bucketTTL); err != nil {
		t.log.Warn("conversion bucket increment failed", zap.Error(err))
	}
}

// RefreshBacklog recounts overdue unconverted appointments and updates the
// gauge.
func (t *Tracker) RefreshBacklog(ctx context.Context) (int64, error) {
	backlog, err := t.appointmentRepo.CountConversionBacklog(ctx, t.db, t.clock.Now())
	if err != nil {
		return 0, err
	}
	obsmetrics.Engine().SetAppointmentBacklog(backlog)
	return backlog, nil
}

// Window sums the success and failure buckets for the trailing window.
func (t *Tracker) Window(ctx context.Context, minutes int) (successes, failures int64, err error) {
	if minutes <= 0 {
		minutes = defaultWindowMinutes
	}
	now := t.clock.Now()
	for i := 0; i < minutes; i++ {
		at := now.Add(-time.Duration(i) * time.Minute)
		ok, err := t.store.Get(ctx, t.bucketKey("ok", at))
		if err != nil {
			return 0, 0, err
		}
		fail, err := t.store.Get(ctx, t.bucketKey("fail", at))
		if err != nil {
			return 0, 0, err
		}
		successes += ok
		failures += fail
	}
	return successes, failures, nil
}

// Snapshot assembles the current conversion picture, including the alert
// verdict.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	backlog, err := t.RefreshBacklog(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	successes, failures, err := t.Window(ctx, defaultWindowMinutes)
	if err != nil {
		return Snapshot{}, err
	}
	rate := FailureRate(successes, failures)
	return Snapshot{
		Backlog:       backlog,
		WindowMinutes: defaultWindowMinutes,
		Successes:     successes,
		Failures:      failures,
		FailureRate:   rate,
		Alert:         EvaluateAlerts(rate, backlog, t.thresholds),
	}, nil
}

func (t *Tracker) bucketKey(outcome string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", bucketKeyPrefix, outcome, at.Unix()/60)
}

// FailureRate is failures over total attempts; zero attempts is a zero rate.
func FailureRate(successes, failures int64) float64 {
	total := successes + failures
	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total)
}

// EvaluateAlerts maps a failure rate and backlog depth onto an alert level.
// Pure function, no side effects; the caller decides what to do with the
// verdict.
func EvaluateAlerts(failureRate float64, backlog int64, thresholds Thresholds) AlertLevel {
	defaults := DefaultThresholds()
	if thresholds.WarningFailureRate <= 0 {
		thresholds.WarningFailureRate = defaults.WarningFailureRate
	}
	if thresholds.CriticalFailureRate <= 0 {
		thresholds.CriticalFailureRate = defaults.CriticalFailureRate
	}
	if thresholds.WarningBacklog <= 0 {
		thresholds.WarningBacklog = defaults.WarningBacklog
	}
	if thresholds.CriticalBacklog <= 0 {
		thresholds.CriticalBacklog = defaults.CriticalBacklog
	}

	if failureRate >= thresholds.CriticalFailureRate || backlog >= thresholds.CriticalBacklog {
		return AlertCritical
	}
	if failureRate >= thresholds.WarningFailureRate || backlog >= thresholds.WarningBacklog {
		return AlertWarning
	}
	return AlertNone
}

var Module = fx.Module("convmetrics",
	fx.Provide(NewTracker),
)
