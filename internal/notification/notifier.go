// Package notification is the fire-and-forget collaborator boundary. The
// engine reports billing and lifecycle events here; delivery failures are
// logged and swallowed, never allowed to roll back a billing transaction.
package notification

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

type EventType string

const (
	EventProviderPaid        EventType = "provider.paid"
	EventSessionSettled      EventType = "session.settled"
	EventSessionExpired      EventType = "session.expired"
	EventSubscriptionRolled  EventType = "subscription.rolled_over"
	EventSubscriptionExpired EventType = "subscription.expired"
)

type Event struct {
	Type     EventType
	TargetID string
	Metadata map[string]any
}

type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// logNotifier records events in the structured log. Push delivery sits
// behind the same interface in deployments that wire a real channel.
type logNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	return &logNotifier{log: log.Named("notification")}
}

func (n *logNotifier) Notify(ctx context.Context, event Event) {
	_ = ctx
	n.log.Info("notification dispatched",
		zap.String("type", string(event.Type)),
		zap.String("target_id", event.TargetID),
		zap.Any("metadata", event.Metadata),
	)
}

// fanout dispatches to every registered notifier; one failing sink never
// stops the others.
type fanout struct {
	sinks []Notifier
}

func NewFanout(sinks ...Notifier) Notifier {
	return &fanout{sinks: sinks}
}

func (f *fanout) Notify(ctx context.Context, event Event) {
	for _, sink := range f.sinks {
		sink.Notify(ctx, event)
	}
}

var Module = fx.Module("notification",
	fx.Provide(NewLogNotifier),
)
