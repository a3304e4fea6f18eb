// Package amqp forwards lifecycle events from the in-process bus to a
// RabbitMQ topic exchange so schedulers and dashboards outside the service
// can follow dispatch and broadcast activity.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"botfleet/pkg/bus"
)

const (
	DefaultExchange = "botfleet.events"
	dialAttempts    = 5
	dialDelay       = time.Second
	maxDialDelay    = 30 * time.Second
	subscribeBuffer = 256
)

// Channel is the publishing half of an AMQP channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// Forwarder publishes bus events as persistent JSON messages.
type Forwarder struct {
	ch       Channel
	closers  []func() error
	exchange string
	log      *slog.Logger
}

// Dial connects with backoff, declares a durable topic exchange and opens the
// publishing channel.
func Dial(ctx context.Context, url, exchange string, log *slog.Logger) (*Forwarder, error) {
	if log == nil {
		log = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := dialWithRetry(ctx, url, log)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	f := New(ch, exchange, log)
	f.closers = []func() error{ch.Close, conn.Close}
	return f, nil
}

// New wraps an already open channel.
func New(ch Channel, exchange string, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Forwarder{
		ch:       ch,
		exchange: exchange,
		log:      log.With("component", "bus.amqp", "exchange", exchange),
	}
}

func dialWithRetry(ctx context.Context, url string, log *slog.Logger) (*amqp091.Connection, error) {
	var lastErr error
	delay := dialDelay
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err := amqp091.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Warn("AMQP dial failed", "attempt", attempt, "sleep", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial amqp: %w", ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, maxDialDelay)
	}
	return nil, fmt.Errorf("dial amqp after %d attempts: %w", dialAttempts, lastErr)
}

// RoutingKey is "<tenant>.<event type>", with "_" for events that carry no
// tenant.
func RoutingKey(event bus.Event) string {
	tenant := strings.ReplaceAll(event.Tenant, ".", "_")
	if tenant == "" {
		tenant = "_"
	}
	return tenant + "." + string(event.Type)
}

// Forward publishes one event.
func (f *Forwarder) Forward(ctx context.Context, event bus.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	correlation := event.RequestID
	if correlation == "" {
		correlation = event.RunID
	}
	at := event.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	err = f.ch.PublishWithContext(ctx, f.exchange, RoutingKey(event), false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: correlation,
		Timestamp:     at,
		Type:          string(event.Type),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Run forwards events from b until ctx ends or the bus closes. Publish
// failures are logged and the event is dropped.
func (f *Forwarder) Run(ctx context.Context, b *bus.Bus) {
	events, unsubscribe := b.SubscribeEvents(ctx, subscribeBuffer)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := f.Forward(ctx, event); err != nil {
				f.log.Warn("Dropping lifecycle event", "event_type", event.Type, "tenant", event.Tenant, "error", err)
			}
		}
	}
}

// Close closes the channel and connection opened by Dial.
func (f *Forwarder) Close() error {
	var errs []error
	for _, c := range f.closers {
		if err := c(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
