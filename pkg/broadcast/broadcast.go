// Package broadcast pushes generated content to every subscriber of a tenant,
// one subscriber at a time, and reports a per-run tally.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"botfleet/pkg/bus"
	"botfleet/pkg/generator"
	"botfleet/pkg/metrics"
	"botfleet/pkg/platform"
	"botfleet/pkg/registry"
	"botfleet/pkg/subscriber"
	"botfleet/pkg/tenant"
	"botfleet/pkg/weather"
)

var (
	ErrUnknownTenant    = errors.New("unknown tenant")
	ErrNotBroadcastable = errors.New("tenant kind does not support broadcasts")
	ErrRunInProgress    = errors.New("broadcast already running for tenant")
)

const maxErrorSummary = 200

// RunStatus summarizes a finished run.
type RunStatus string

const (
	StatusSuccess        RunStatus = "success"
	StatusPartialSuccess RunStatus = "partial_success"
	StatusFailed         RunStatus = "failed"
	StatusEmpty          RunStatus = "empty"
	// StatusCancelled means the run stopped before any subscriber was
	// attempted.
	StatusCancelled RunStatus = "cancelled"
)

// Stage names the per-subscriber step that failed.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageGenerate Stage = "generate"
	StageDeliver  Stage = "deliver"
)

// Failure is one subscriber that did not receive the post.
type Failure struct {
	UserID string `json:"user_id"`
	Stage  Stage  `json:"stage"`
	Error  string `json:"error"`
}

// Result is the tally of one run. Succeeded + Failed always equals Total;
// subscribers never attempted because the run was cancelled are counted in
// Skipped only.
type Result struct {
	RunID      string    `json:"run_id"`
	Tenant     string    `json:"tenant"`
	Test       bool      `json:"test,omitempty"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Failures   []Failure `json:"failures"`
	Skipped    int       `json:"skipped,omitempty"`
	Cancelled  bool      `json:"cancelled,omitempty"`
	Status     RunStatus `json:"status"`
	Message    string    `json:"message"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is the read-only view of a tenant's broadcast state.
type Status struct {
	Tenant            string  `json:"tenant"`
	Kind              string  `json:"kind"`
	Subscribers       int     `json:"subscribers"`
	WithLocation      int     `json:"subscribers_with_location"`
	CustomPrompt      bool    `json:"custom_prompt"`
	Running           bool    `json:"running"`
	LastRun           *Result `json:"last_run,omitempty"`
	BroadcastsEnabled bool    `json:"broadcasts_enabled"`
}

// Options controls one run.
type Options struct {
	// Delay overrides the pause between subscribers. Nil uses the engine
	// default; a zero value sends back to back.
	Delay *time.Duration
	// TestRecipient, when set, replaces the subscriber set with that one
	// user and skips the delay.
	TestRecipient string
}

// Delay returns d as an Options.Delay override.
func Delay(d time.Duration) *time.Duration { return &d }

// Resolver looks tenants up by identifier.
type Resolver interface {
	ResolveByID(id string) (*registry.BotInstance, bool)
}

// Subscribers is the read side of the subscriber store.
type Subscribers interface {
	ListForTenant(ctx context.Context, tenantID string) ([]subscriber.Subscriber, error)
	Location(ctx context.Context, tenantID, userID string) (*tenant.Location, error)
	Count(ctx context.Context, tenantID string) (int, error)
	CountWithLocation(ctx context.Context, tenantID string) (int, error)
}

// PostGenerator builds the messages for one subscriber.
type PostGenerator interface {
	Generate(ctx context.Context, req generator.Request) ([]platform.Message, error)
}

// Pusher delivers without a reply token.
type Pusher interface {
	Push(ctx context.Context, bot *registry.BotInstance, recipientID string, messages []platform.Message) error
}

// Config wires an Engine.
type Config struct {
	Tenants      Resolver
	Subscribers  Subscribers
	Fetcher      weather.Fetcher
	Posts        PostGenerator
	Deliverer    Pusher
	Events       bus.Publisher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	DefaultDelay time.Duration
	Now          func() time.Time
}

// Engine runs broadcasts. Runs for different tenants may overlap; a second
// run for the same tenant is rejected while one is active.
type Engine struct {
	tenants     Resolver
	subscribers Subscribers
	fetcher     weather.Fetcher
	posts       PostGenerator
	deliver     Pusher
	events      bus.Publisher
	metrics     *metrics.Metrics
	log         *slog.Logger
	delay       time.Duration
	now         func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
	last    map[string]Result
}

func New(cfg Config) (*Engine, error) {
	if cfg.Tenants == nil || cfg.Subscribers == nil || cfg.Fetcher == nil || cfg.Posts == nil || cfg.Deliverer == nil {
		return nil, errors.New("broadcast engine needs tenants, subscribers, fetcher, generator and deliverer")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		tenants:     cfg.Tenants,
		subscribers: cfg.Subscribers,
		fetcher:     cfg.Fetcher,
		posts:       cfg.Posts,
		deliver:     cfg.Deliverer,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		log:         log.With("component", "broadcast.engine"),
		delay:       max(cfg.DefaultDelay, 0),
		now:         now,
		running:     make(map[string]struct{}),
		last:        make(map[string]Result),
	}, nil
}

type recipient struct {
	userID   string
	location *tenant.Location
}

// Run pushes one post to every subscriber of tenantID, sequentially. Only
// the preconditions return an error; per-subscriber failures are recorded
// in the result. Cancelling ctx stops the run between subscribers, never in
// the middle of one.
func (e *Engine) Run(ctx context.Context, tenantID string, opts Options) (Result, error) {
	bot, ok := e.tenants.ResolveByID(tenantID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if !bot.Kind().Broadcastable() {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotBroadcastable, tenantID, bot.Kind())
	}
	if !e.acquire(tenantID) {
		return Result{}, fmt.Errorf("%w: %s", ErrRunInProgress, tenantID)
	}
	defer e.release(tenantID)

	ctx, span := otel.Tracer("botfleet/broadcast").Start(ctx, "broadcast.Run")
	defer span.End()

	test := opts.TestRecipient != ""
	result := Result{
		RunID:     uuid.NewString(),
		Tenant:    tenantID,
		Test:      test,
		Failures:  []Failure{},
		StartedAt: e.now(),
	}
	log := e.log.With("tenant", tenantID, "run_id", result.RunID)

	recipients, err := e.recipients(ctx, tenantID, opts.TestRecipient)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load subscribers")
		return Result{}, err
	}
	delay := e.delay
	if opts.Delay != nil {
		delay = max(*opts.Delay, 0)
	}
	if test {
		delay = 0
	}

	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("broadcast.subscribers", len(recipients)),
		attribute.Bool("broadcast.test", test),
	)
	log.Info("Broadcast started", "subscribers", len(recipients), "delay", delay, "test", test)
	e.publish(ctx, bus.Event{
		Type:    bus.EventBroadcastStarted,
		Tenant:  tenantID,
		RunID:   result.RunID,
		Payload: map[string]string{"subscribers": strconv.Itoa(len(recipients))},
	})

	start := time.Now()
	for i, r := range recipients {
		if ctx.Err() != nil {
			result.Cancelled = true
			result.Skipped = len(recipients) - i
			break
		}

		result.Total++
		stage, err := e.deliverOne(context.WithoutCancel(ctx), bot, r)
		if err != nil {
			failure := Failure{UserID: r.userID, Stage: stage, Error: summarize(err)}
			result.Failed++
			result.Failures = append(result.Failures, failure)
			e.metrics.ObserveBroadcastRecipient(tenantID, "failed")
			log.Warn("Broadcast recipient failed", "user", r.userID, "stage", stage, "error", err)
			e.publish(ctx, bus.Event{
				Type:    bus.EventRecipientFailed,
				Tenant:  tenantID,
				RunID:   result.RunID,
				Payload: map[string]string{"user": r.userID, "stage": string(stage)},
				Error:   failure.Error,
			})
		} else {
			result.Succeeded++
			e.metrics.ObserveBroadcastRecipient(tenantID, "succeeded")
		}

		if i < len(recipients)-1 && delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				result.Cancelled = true
				result.Skipped = len(recipients) - i - 1
				break
			}
		}
	}
	for range result.Skipped {
		e.metrics.ObserveBroadcastRecipient(tenantID, "skipped")
	}

	result.FinishedAt = e.now()
	result.Status, result.Message = summarizeRun(result)
	e.metrics.ObserveBroadcast(tenantID, start)

	span.SetAttributes(
		attribute.Int("broadcast.succeeded", result.Succeeded),
		attribute.Int("broadcast.failed", result.Failed),
		attribute.Bool("broadcast.cancelled", result.Cancelled),
	)
	if result.Status == StatusFailed {
		span.SetStatus(codes.Error, result.Message)
	}

	log.Info("Broadcast completed",
		"status", result.Status,
		"total", result.Total,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"duration", time.Since(start),
	)
	e.publish(context.WithoutCancel(ctx), bus.Event{
		Type:   bus.EventBroadcastCompleted,
		Tenant: tenantID,
		RunID:  result.RunID,
		Payload: map[string]string{
			"status":    string(result.Status),
			"total":     strconv.Itoa(result.Total),
			"succeeded": strconv.Itoa(result.Succeeded),
			"failed":    strconv.Itoa(result.Failed),
			"skipped":   strconv.Itoa(result.Skipped),
		},
	})

	if !test {
		e.mu.Lock()
		e.last[tenantID] = result
		e.mu.Unlock()
	}
	return result, nil
}

func (e *Engine) recipients(ctx context.Context, tenantID, testRecipient string) ([]recipient, error) {
	if testRecipient != "" {
		loc, err := e.subscribers.Location(ctx, tenantID, testRecipient)
		if err != nil {
			return nil, fmt.Errorf("load test recipient location: %w", err)
		}
		return []recipient{{userID: testRecipient, location: loc}}, nil
	}

	subs, err := e.subscribers.ListForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	out := make([]recipient, 0, len(subs))
	for _, s := range subs {
		out = append(out, recipient{userID: s.UserID, location: s.Location})
	}
	return out, nil
}

// deliverOne is one subscriber's unit of work. A generated post that fails
// to deliver is not retried.
func (e *Engine) deliverOne(ctx context.Context, bot *registry.BotInstance, r recipient) (Stage, error) {
	cfg := bot.Config()
	loc := weather.ResolveLocation(r.location, cfg.DefaultLocation)

	data, err := e.fetcher.Fetch(ctx, loc)
	if err != nil {
		return StageFetch, err
	}
	if data.Location.Name == "" {
		data.Location.Name = loc.Name
	}

	msgs, err := e.posts.Generate(ctx, generator.Request{
		Weather:  data,
		Template: cfg.ImagePromptTemplate,
		Heading:  generator.DailyHeading,
		FollowUp: generator.DailyFollowUp,
	})
	if err != nil {
		return StageGenerate, err
	}
	if len(msgs) == 0 {
		return StageGenerate, errors.New("generator produced no messages")
	}

	if err := e.deliver.Push(ctx, bot, r.userID, msgs); err != nil {
		return StageDeliver, err
	}
	return "", nil
}

// Status reports subscriber counts and the last completed run for tenantID.
func (e *Engine) Status(ctx context.Context, tenantID string) (Status, error) {
	bot, ok := e.tenants.ResolveByID(tenantID)
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	total, err := e.subscribers.Count(ctx, tenantID)
	if err != nil {
		return Status{}, fmt.Errorf("count subscribers: %w", err)
	}
	withLoc, err := e.subscribers.CountWithLocation(ctx, tenantID)
	if err != nil {
		return Status{}, fmt.Errorf("count subscribers with location: %w", err)
	}

	st := Status{
		Tenant:            tenantID,
		Kind:              string(bot.Kind()),
		Subscribers:       total,
		WithLocation:      withLoc,
		CustomPrompt:      bot.Config().ImagePromptTemplate != "",
		BroadcastsEnabled: bot.Kind().Broadcastable(),
	}

	e.mu.Lock()
	_, st.Running = e.running[tenantID]
	if last, ok := e.last[tenantID]; ok {
		st.LastRun = &last
	}
	e.mu.Unlock()
	return st, nil
}

func (e *Engine) acquire(tenantID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[tenantID]; busy {
		return false
	}
	e.running[tenantID] = struct{}{}
	return true
}

func (e *Engine) release(tenantID string) {
	e.mu.Lock()
	delete(e.running, tenantID)
	e.mu.Unlock()
}

func (e *Engine) publish(ctx context.Context, event bus.Event) {
	if e.events == nil {
		return
	}
	e.events.PublishEvent(ctx, event)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func summarize(err error) string {
	msg := []rune(err.Error())
	if len(msg) > maxErrorSummary {
		return string(msg[:maxErrorSummary-3]) + "..."
	}
	return string(msg)
}

func summarizeRun(r Result) (RunStatus, string) {
	var status RunStatus
	switch {
	case r.Total == 0 && r.Skipped == 0:
		status = StatusEmpty
	case r.Total == 0:
		status = StatusCancelled
	case r.Failed == 0:
		status = StatusSuccess
	case r.Succeeded == 0:
		status = StatusFailed
	default:
		status = StatusPartialSuccess
	}

	var msg string
	switch status {
	case StatusEmpty:
		msg = "No subscribers to broadcast to"
	case StatusSuccess:
		msg = fmt.Sprintf("Broadcast sent to all %d subscribers", r.Total)
	case StatusCancelled:
		return status, fmt.Sprintf("Broadcast cancelled before any subscriber was attempted, %d skipped", r.Skipped)
	case StatusFailed:
		msg = fmt.Sprintf("Broadcast failed for all %d attempted subscribers", r.Total)
	default:
		msg = fmt.Sprintf("Broadcast sent to %d of %d subscribers, %d failed", r.Succeeded, r.Total, r.Failed)
	}
	if r.Cancelled {
		msg += fmt.Sprintf(" (cancelled, %d skipped)", r.Skipped)
	}
	return status, msg
}
