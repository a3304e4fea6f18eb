package bus

import (
	"context"
	"log/slog"
	"time"
)

// Observe logs every event until ctx ends or the bus closes.
func Observe(ctx context.Context, b *Bus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")
	events, unsubscribe := b.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event Event) {
	attrs := []any{
		"event_type", event.Type,
		"tenant", event.Tenant,
		"request_id", event.RequestID,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.EventID != "" {
		attrs = append(attrs, "event_id", event.EventID)
	}
	if event.RunID != "" {
		attrs = append(attrs, "run_id", event.RunID)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case EventInboundFailed, EventRecipientFailed:
		log.Error("Lifecycle event", append(attrs, "error", event.Error)...)
	case EventWebhookRejected:
		log.Warn("Lifecycle event", append(attrs, "error", event.Error)...)
	case EventInboundHandled, EventBroadcastStarted, EventBroadcastCompleted:
		log.Info("Lifecycle event", attrs...)
	default:
		log.Debug("Lifecycle event", attrs...)
	}
}
