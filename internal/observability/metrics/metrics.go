// Package metrics exposes prometheus instruments for the consultation
// billing engine. Registries are process-wide singletons with explicit reset
// hooks for tests.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the constant labels stamped on every engine metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	ConversionFailureReasonNoSubscription = "no_subscription"
	ConversionFailureReasonNoQuota        = "no_quota"
	ConversionFailureReasonDuplicate      = "duplicate_active_session"
	ConversionFailureReasonStorage        = "storage"
)

// EngineMetrics captures billing-engine health signals.
type EngineMetrics struct {
	autoDeductions     *prometheus.CounterVec
	unitsDeducted      *prometheus.CounterVec
	walletCredits      *prometheus.CounterVec
	insufficientQuota  *prometheus.CounterVec
	settlements        *prometheus.CounterVec
	underSettled       prometheus.Counter
	rollovers          prometheus.Counter
	expirations        prometheus.Counter
	sessionsFromAppts  prometheus.Counter
	conversionFailures *prometheus.CounterVec
	apptBacklog        prometheus.Gauge
}

var (
	engineMetricsOnce sync.Once
	engineMetrics     *EngineMetrics
)

// Engine returns the singleton engine metrics registry.
func Engine() *EngineMetrics {
	return EngineWithConfig(Config{})
}

// EngineWithConfig returns the singleton engine metrics registry using config labels.
func EngineWithConfig(cfg Config) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetrics = newEngineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return engineMetrics
}

// ResetEngineMetricsForTest resets the engine metrics singleton for tests.
func ResetEngineMetricsForTest() {
	engineMetricsOnce = sync.Once{}
	engineMetrics = nil
}

func constLabels(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "careline"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func newEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &EngineMetrics{
		autoDeductions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "careline_auto_deductions_total",
			Help:        "Completed auto-deduction ticks by session kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		unitsDeducted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "careline_units_deducted_total",
			Help:        "Quota units deducted by transaction category.",
			ConstLabels: labels,
		}, []string{"category"}),
		walletCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "careline_wallet_credits_total",
			Help:        "Wallet credit postings by category.",
			ConstLabels: labels,
		}, []string{"category"}),
		insufficientQuota: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "careline_insufficient_quota_total",
			Help:        "Deduction attempts rejected for insufficient quota.",
			ConstLabels: labels,
		}, []string{"kind"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "careline_settlements_total",
			Help:        "Session-end settlements by end type.",
			ConstLabels: labels,
		}, []string{"end_type"}),
		underSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "careline_under_settled_total",
			Help:        "Settlements capped below owed units by remaining quota.",
			ConstLabels: labels,
		}),
		rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "careline_subscription_rollovers_total",
			Help:        "Grace rollovers applied to expiring subscriptions.",
			ConstLabels: labels,
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "careline_subscription_expirations_total",
			Help:        "Subscriptions transitioned to expired.",
			ConstLabels: labels,
		}),
		sessionsFromAppts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "careline_sessions_from_appointments_total",
			Help:        "Sessions successfully created from appointments.",
			ConstLabels: labels,
		}),
		conversionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "careline_appointment_conversion_failures_total",
			Help:        "Appointment-to-session conversion failures by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		apptBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "careline_appointment_backlog",
			Help:        "Confirmed appointments past schedule with no session yet.",
			ConstLabels: labels,
		}),
	}

	registerer.MustRegister(
		m.autoDeductions,
		m.unitsDeducted,
		m.walletCredits,
		m.insufficientQuota,
		m.settlements,
		m.underSettled,
		m.rollovers,
		m.expirations,
		m.sessionsFromAppts,
		m.conversionFailures,
		m.apptBacklog,
	)
	return m
}

func (m *EngineMetrics) IncAutoDeduction(kind string) {
	m.autoDeductions.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) AddUnitsDeducted(category string, units int) {
	if units > 0 {
		m.unitsDeducted.WithLabelValues(category).Add(float64(units))
	}
}

func (m *EngineMetrics) IncWalletCredit(category string) {
	m.walletCredits.WithLabelValues(category).Inc()
}

func (m *EngineMetrics) IncInsufficientQuota(kind string) {
	m.insufficientQuota.WithLabelValues(kind).Inc()
}

func (m *EngineMetrics) IncSettlement(endType string) {
	m.settlements.WithLabelValues(endType).Inc()
}

func (m *EngineMetrics) IncUnderSettled() { m.underSettled.Inc() }

func (m *EngineMetrics) IncRollover() { m.rollovers.Inc() }

func (m *EngineMetrics) IncExpiration() { m.expirations.Inc() }

func (m *EngineMetrics) IncSessionFromAppointment() { m.sessionsFromAppts.Inc() }

func (m *EngineMetrics) IncConversionFailure(reason string) {
	m.conversionFailures.WithLabelValues(reason).Inc()
}

func (m *EngineMetrics) SetAppointmentBacklog(n int64) {
	m.apptBacklog.Set(float64(n))
}
