// Package dispatch routes a signed webhook body to the owning tenant's
// handler, once per event identifier within the dedup window.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"botfleet/pkg/bus"
	"botfleet/pkg/dedup"
	"botfleet/pkg/metrics"
	"botfleet/pkg/platform"
	"botfleet/pkg/registry"
	"botfleet/pkg/requestid"
)

const defaultHandlerTimeout = 30 * time.Second

// ErrorKind classifies a rejected webhook.
type ErrorKind string

const (
	UnknownRoute     ErrorKind = "unknown_route"
	InvalidSignature ErrorKind = "invalid_signature"
	MalformedPayload ErrorKind = "malformed_payload"
)

// Error is a per-request rejection. Nothing was handled when it is returned.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %s", e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the rejection onto the webhook response code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case UnknownRoute:
		return http.StatusNotFound
	case InvalidSignature:
		return http.StatusUnauthorized
	case MalformedPayload:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// KindOf returns the rejection kind of err, or "".
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return ""
}

// Outcome tallies one accepted webhook. Accepted counts every parsed event,
// including duplicates; Handled and Failed split the non-duplicates.
type Outcome struct {
	Tenant     string `json:"tenant"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
	Handled    int    `json:"handled"`
	Failed     int    `json:"failed"`
}

// Resolver finds the bot routed at a path.
type Resolver interface {
	ResolveByPath(path string) (*registry.BotInstance, bool)
}

// SubscriberRecorder remembers who has messaged a tenant.
type SubscriberRecorder interface {
	Touch(ctx context.Context, tenantID, userID string, at time.Time) error
}

// Options configures a Dispatcher. Zero values are usable.
type Options struct {
	Subscribers    SubscriberRecorder
	Events         bus.Publisher
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	HandlerTimeout time.Duration
	Now            func() time.Time
}

// Dispatcher is safe for concurrent use. Its only shared mutable state is
// the dedup cache.
type Dispatcher struct {
	resolver       Resolver
	cache          dedup.Cache
	subscribers    SubscriberRecorder
	events         bus.Publisher
	metrics        *metrics.Metrics
	log            *slog.Logger
	handlerTimeout time.Duration
	now            func() time.Time
}

// New creates a Dispatcher.
func New(resolver Resolver, cache dedup.Cache, opts Options) (*Dispatcher, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if cache == nil {
		return nil, errors.New("dedup cache is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}

	return &Dispatcher{
		resolver:       resolver,
		cache:          cache,
		subscribers:    opts.Subscribers,
		events:         opts.Events,
		metrics:        opts.Metrics,
		log:            log.With("component", "dispatch.dispatcher"),
		handlerTimeout: timeout,
		now:            now,
	}, nil
}

// Dispatch resolves the tenant for path, verifies signature over the exact
// body bytes, and hands each new event to the tenant handler. Once the
// signature verifies, per-event failures never turn into an error.
func (d *Dispatcher) Dispatch(ctx context.Context, path string, body []byte, signature string) (Outcome, error) {
	ctx, span := otel.Tracer("botfleet/dispatch").Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.path", path))

	bot, ok := d.resolver.ResolveByPath(path)
	if !ok {
		return Outcome{}, d.reject(ctx, span, "", &Error{Kind: UnknownRoute, Path: path})
	}
	tenantID := bot.ID()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	client := bot.Client()
	if !client.VerifySignature(body, signature) {
		return Outcome{}, d.reject(ctx, span, tenantID, &Error{Kind: InvalidSignature, Path: path})
	}

	events, err := client.ParseEvents(body)
	if err != nil {
		return Outcome{}, d.reject(ctx, span, tenantID, &Error{Kind: MalformedPayload, Path: path, Err: err})
	}

	outcome := Outcome{Tenant: tenantID, Accepted: len(events)}
	for _, event := range events {
		switch d.process(ctx, bot, event) {
		case resultDuplicate:
			outcome.Duplicates++
		case resultHandled:
			outcome.Handled++
		case resultFailed:
			outcome.Failed++
		}
	}

	d.metrics.ObserveWebhook(tenantID, "accepted")
	span.SetAttributes(
		attribute.Int("dispatch.accepted", outcome.Accepted),
		attribute.Int("dispatch.duplicates", outcome.Duplicates),
		attribute.Int("dispatch.failed", outcome.Failed),
	)
	return outcome, nil
}

type result int

const (
	resultHandled result = iota
	resultDuplicate
	resultFailed
)

func (d *Dispatcher) process(ctx context.Context, bot *registry.BotInstance, event platform.InboundEvent) result {
	tenantID := bot.ID()
	log := d.log.With("tenant", tenantID, "event_id", event.ID, "request_id", requestid.From(ctx))
	now := d.now()

	first, err := d.cache.TryRecord(ctx, tenantID, event.ID, now)
	if err != nil {
		// Fail open: a dedup outage must not drop traffic.
		log.Warn("Dedup cache unavailable, processing event", "error", err)
		first = true
	}
	if !first {
		log.Debug("Skipping duplicate event", "redelivery", event.Redelivery)
		d.metrics.ObserveEvent(tenantID, "duplicate")
		d.publish(ctx, bus.Event{Type: bus.EventInboundDuplicate, Tenant: tenantID, EventID: event.ID})
		return resultDuplicate
	}

	if d.subscribers != nil && event.SenderID != "" {
		if err := d.subscribers.Touch(ctx, tenantID, event.SenderID, now); err != nil {
			log.Warn("Failed to record subscriber", "error", err)
		}
	}

	start := time.Now()
	err = d.invoke(ctx, bot, event)
	d.metrics.ObserveHandler(tenantID, start)
	if err != nil {
		log.Error("Handler failed", "event_type", event.Type, "error", err)
		d.metrics.ObserveEvent(tenantID, "failed")
		d.publish(ctx, bus.Event{Type: bus.EventInboundFailed, Tenant: tenantID, EventID: event.ID, Error: err.Error()})
		return resultFailed
	}

	d.metrics.ObserveEvent(tenantID, "handled")
	d.publish(ctx, bus.Event{Type: bus.EventInboundHandled, Tenant: tenantID, EventID: event.ID})
	return resultHandled
}

// invoke runs the handler detached from request cancellation so a client
// disconnect cannot abort a reply mid-flight, and converts panics to errors.
func (d *Dispatcher) invoke(ctx context.Context, bot *registry.BotInstance, event platform.InboundEvent) (err error) {
	handler := bot.Handler()
	if handler == nil {
		return errors.New("tenant has no handler")
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Handler panic", "tenant", bot.ID(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler.Handle(hctx, event, bot)
}

func (d *Dispatcher) reject(ctx context.Context, span trace.Span, tenantID string, derr *Error) error {
	span.RecordError(derr)
	span.SetStatus(codes.Error, string(derr.Kind))
	d.metrics.ObserveWebhook(tenantLabel(tenantID), string(derr.Kind))
	d.log.Warn("Webhook rejected", "tenant", tenantID, "path", derr.Path, "reason", derr.Kind, "request_id", requestid.From(ctx))
	d.publish(ctx, bus.Event{
		Type:      bus.EventWebhookRejected,
		Tenant:    tenantID,
		RequestID: requestid.From(ctx),
		Payload:   map[string]string{"path": derr.Path, "reason": string(derr.Kind)},
		Error:     derr.Error(),
	})
	return derr
}

func (d *Dispatcher) publish(ctx context.Context, event bus.Event) {
	if d.events == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = requestid.From(ctx)
	}
	d.events.PublishEvent(ctx, event)
}

// tenantLabel keeps unknown paths from creating unbounded metric series.
func tenantLabel(tenantID string) string {
	if tenantID == "" {
		return "unknown"
	}
	return tenantID
}
