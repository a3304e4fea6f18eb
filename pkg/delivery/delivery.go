// Package delivery sends outbound messages for a tenant, preferring the
// inbound event's reply token and falling back to a direct push when the
// platform reports that token unusable.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"botfleet/pkg/metrics"
	"botfleet/pkg/platform"
	"botfleet/pkg/registry"
)

// Outcome reports which outbound call succeeded.
type Outcome string

const (
	Replied Outcome = "replied"
	Pushed  Outcome = "pushed"
)

// Stage names the outbound call that failed.
type Stage string

const (
	StageReply     Stage = "reply"
	StagePush      Stage = "push"
	StageRateLimit Stage = "rate_limit"
)

// ErrNoRecipient is returned when a push is required but no recipient is known.
var ErrNoRecipient = errors.New("no push recipient")

// Error is a delivery failure. It is never retried inside this package.
type Error struct {
	TenantID string
	Stage    Stage
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deliver for tenant %q: %s: %v", e.TenantID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// state is a step of the reply-or-push state machine.
type state int

const (
	stateAttemptReply state = iota
	stateAttemptPush
)

// Options configures an Adapter.
type Options struct {
	// RatePerSecond caps outbound calls per tenant. Zero disables limiting.
	RatePerSecond float64
	Burst         int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Adapter delivers messages through a tenant's platform client. It is safe
// for concurrent use.
type Adapter struct {
	rps     float64
	burst   int
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an Adapter.
func New(opts Options) *Adapter {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = max(1, int(opts.RatePerSecond))
	}
	return &Adapter{
		rps:      opts.RatePerSecond,
		burst:    burst,
		metrics:  opts.Metrics,
		log:      log.With("component", "delivery.adapter"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// ReplyOrPush attempts a reply with replyToken and, only when the platform
// reports the token invalid, pushes the same messages to recipientID. At
// most one of the two calls succeeds. An empty replyToken goes straight to
// push.
func (a *Adapter) ReplyOrPush(ctx context.Context, bot *registry.BotInstance, replyToken, recipientID string, messages []platform.Message) (Outcome, error) {
	ctx, span := otel.Tracer("botfleet/delivery").Start(ctx, "delivery.ReplyOrPush")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", bot.ID()),
		attribute.Bool("delivery.has_reply_token", replyToken != ""),
		attribute.Int("delivery.messages", len(messages)),
	)

	outcome, err := a.run(ctx, bot, replyToken, recipientID, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		a.metrics.ObserveDelivery(bot.ID(), "failed")
		return "", err
	}
	span.SetAttributes(attribute.String("delivery.outcome", string(outcome)))
	a.metrics.ObserveDelivery(bot.ID(), string(outcome))
	return outcome, nil
}

// Push delivers messages directly to recipientID.
func (a *Adapter) Push(ctx context.Context, bot *registry.BotInstance, recipientID string, messages []platform.Message) error {
	_, err := a.ReplyOrPush(ctx, bot, "", recipientID, messages)
	return err
}

func (a *Adapter) run(ctx context.Context, bot *registry.BotInstance, replyToken, recipientID string, messages []platform.Message) (Outcome, error) {
	client := bot.Client()
	log := a.log.With("tenant", bot.ID())

	st := stateAttemptReply
	if replyToken == "" {
		st = stateAttemptPush
	}

	for {
		switch st {
		case stateAttemptReply:
			if err := a.wait(ctx, bot.ID()); err != nil {
				return "", &Error{TenantID: bot.ID(), Stage: StageRateLimit, Err: err}
			}
			err := client.Reply(ctx, replyToken, messages)
			switch {
			case err == nil:
				return Replied, nil
			case errors.Is(err, platform.ErrReplyTokenInvalid):
				log.Info("Reply token invalid, falling back to push", "recipient", recipientID)
				st = stateAttemptPush
			default:
				return "", &Error{TenantID: bot.ID(), Stage: StageReply, Err: err}
			}

		case stateAttemptPush:
			if recipientID == "" {
				return "", &Error{TenantID: bot.ID(), Stage: StagePush, Err: ErrNoRecipient}
			}
			if err := a.wait(ctx, bot.ID()); err != nil {
				return "", &Error{TenantID: bot.ID(), Stage: StageRateLimit, Err: err}
			}
			if err := client.Push(ctx, recipientID, messages); err != nil {
				return "", &Error{TenantID: bot.ID(), Stage: StagePush, Err: err}
			}
			return Pushed, nil
		}
	}
}

func (a *Adapter) wait(ctx context.Context, tenantID string) error {
	limiter := a.limiter(tenantID)
	if limiter == nil {
		return ctx.Err()
	}
	return limiter.Wait(ctx)
}

func (a *Adapter) limiter(tenantID string) *rate.Limiter {
	if a.rps <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	limiter, ok := a.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(a.rps), a.burst)
		a.limiters[tenantID] = limiter
	}
	return limiter
}
