package service

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/careline/internal/notification"
	obsmetrics "github.com/smallbiznis/careline/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/careline/internal/subscription/domain"
	"go.uber.org/zap"
)

// rolloverHeuristicSlack is the fallback detector for legacy rows that
// recorded an original end date but predate the applied flag: an end date
// pushed more than ~6 days past that original end can only mean the grace
// extension already ran.
const rolloverHeuristicSlack = 6 * 24 * time.Hour

// ProcessExpirations implements domain.Service. The sweep is idempotent:
// every transition is a single guarded UPDATE, and a subscription already
// expired or already rolled over fails the eligibility checks and is
// skipped.
func (s *Service) ProcessExpirations(ctx context.Context, batchSize int) (subscriptiondomain.ExpirationOutcome, error) {
	var outcome subscriptiondomain.ExpirationOutcome
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()
	cfg := s.billingCfg.Get()

	subscriptions, err := s.repo.ListActivePastEndDate(ctx, s.db, now, batchSize)
	if err != nil {
		return outcome, err
	}

	var sweepErr error
	for _, subscription := range subscriptions {
		if ctx.Err() != nil {
			return outcome, errors.Join(sweepErr, ctx.Err())
		}
		sub := subscription
		if err := s.processOne(ctx, &sub, now, cfg.StandardPlanDays, cfg.RolloverGraceDays, &outcome); err != nil {
			sweepErr = errors.Join(sweepErr, err)
		}
	}
	return outcome, sweepErr
}

func (s *Service) processOne(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time, standardPlanDays, graceDays int, outcome *subscriptiondomain.ExpirationOutcome) error {
	originalEnd, recorded := sub.OriginalEndDate()
	if !recorded {
		// No rollover on record: the current end date is the original one,
		// so the plan length below is measured from what was actually sold.
		originalEnd = sub.EndDate
	}

	if s.rolloverEligible(sub, now, originalEnd, standardPlanDays, graceDays) {
		newEnd := originalEnd.AddDate(0, 0, graceDays)
		metadata := map[string]any{}
		for k, v := range sub.Metadata {
			metadata[k] = v
		}
		metadata[subscriptiondomain.MetaRolloverApplied] = true
		metadata[subscriptiondomain.MetaOriginalEndDate] = originalEnd.UTC().Format(time.RFC3339)

		applied, err := s.repo.ApplyRollover(ctx, s.db, sub.ID, sub.EndDate, newEnd, metadata, now)
		if err != nil {
			return err
		}
		if !applied {
			// Lost the race to a concurrent sweep; the desired end
			// state is already in place.
			outcome.Skipped++
			return nil
		}
		outcome.RolledOver++
		obsmetrics.Engine().IncRollover()
		s.log.Info("subscription rollover applied",
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("original_end", originalEnd),
			zap.Time("new_end", newEnd),
		)
		s.notify(ctx, notification.EventSubscriptionRolled, sub, map[string]any{
			"new_end_date": newEnd.Format(time.RFC3339),
		})
		return nil
	}

	expired, err := s.repo.MarkExpired(ctx, s.db, sub.ID, now)
	if err != nil {
		return err
	}
	if !expired {
		outcome.Skipped++
		return nil
	}
	outcome.Expired++
	obsmetrics.Engine().IncExpiration()
	s.log.Info("subscription expired",
		zap.String("subscription_id", sub.ID.String()),
		zap.Time("end_date", sub.EndDate),
	)
	s.notify(ctx, notification.EventSubscriptionExpired, sub, nil)
	return nil
}

// rolloverEligible applies the at-most-once grace extension rules: standard
// renewable plan length, no rollover stamped (explicit flag first, date
// heuristic only as legacy fallback), and still inside the grace window
// counted from the original end date.
func (s *Service) rolloverEligible(sub *subscriptiondomain.Subscription, now, originalEnd time.Time, standardPlanDays, graceDays int) bool {
	if sub.RolloverApplied() {
		return false
	}

	planDays := daysBetween(sub.StartDate, originalEnd)
	if planDays != standardPlanDays {
		return false
	}

	if sub.EndDate.Sub(originalEnd) > rolloverHeuristicSlack {
		return false
	}

	graceDeadline := originalEnd.AddDate(0, 0, graceDays)
	return now.Before(graceDeadline)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Round(time.Hour).Hours() / 24)
}

func (s *Service) notify(ctx context.Context, eventType notification.EventType, sub *subscriptiondomain.Subscription, metadata map[string]any) {
	if s.notifier == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["patient_id"] = sub.PatientID.String()
	s.notifier.Notify(ctx, notification.Event{
		Type:     eventType,
		TargetID: sub.ID.String(),
		Metadata: metadata,
	})
}
