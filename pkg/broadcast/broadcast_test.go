package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/pkg/bus"
	"botfleet/pkg/delivery"
	"botfleet/pkg/generator"
	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/platform"
	"botfleet/pkg/platform/platformtest"
	"botfleet/pkg/registry"
	"botfleet/pkg/subscriber"
	"botfleet/pkg/tenant"
	"botfleet/pkg/weather"
)

type staticTenants map[string]*registry.BotInstance

func (s staticTenants) ResolveByID(id string) (*registry.BotInstance, bool) {
	bot, ok := s[id]
	return bot, ok
}

type scriptedFetcher struct {
	mu      sync.Mutex
	locs    []tenant.Location
	failFor map[float64]error
	onFetch func(ctx context.Context, n int)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, loc tenant.Location) (weather.Data, error) {
	f.mu.Lock()
	f.locs = append(f.locs, loc)
	n := len(f.locs)
	err := f.failFor[loc.Latitude]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, n)
	}
	if err != nil {
		return weather.Data{}, err
	}
	return weather.Data{Date: "2026-03-01", TempMin: 14, TempMax: 21, WeatherCode: 1, Location: loc}, nil
}

func (f *scriptedFetcher) fetched() []tenant.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tenant.Location(nil), f.locs...)
}

type scriptedPosts struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]error
}

func (p *scriptedPosts) Generate(_ context.Context, req generator.Request) ([]platform.Message, error) {
	p.mu.Lock()
	p.calls++
	err := p.failOn[p.calls]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []platform.Message{platform.Text(generator.SummaryText(req.Heading, req.Weather))}, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) PublishEvent(_ context.Context, event bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func (r *eventRecorder) types() []bus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bus.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	engine  *Engine
	store   *subscriber.Store
	client  *platformtest.Client
	fetcher *scriptedFetcher
	posts   *scriptedPosts
	events  *eventRecorder
	metrics *metrics.Metrics
}

var weatherCfg = tenant.Config{
	ID:              "wx",
	Kind:            tenant.KindWeather,
	Enabled:         true,
	DefaultLocation: &tenant.Location{Latitude: 35.68, Longitude: 139.69, Name: "Tokyo"},
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := subscriber.Open(ctx, ":memory:", logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := platformtest.New("secret")
	tenants := staticTenants{
		"wx":   registry.NewBotInstance(weatherCfg, client, nil),
		"food": registry.NewBotInstance(tenant.Config{ID: "food", Kind: tenant.KindRestaurant, Enabled: true}, client, nil),
	}

	f := &fixture{
		store:   store,
		client:  client,
		fetcher: &scriptedFetcher{failFor: map[float64]error{}},
		posts:   &scriptedPosts{failOn: map[int]error{}},
		events:  &eventRecorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.engine, err = New(Config{
		Tenants:     tenants,
		Subscribers: store,
		Fetcher:     f.fetcher,
		Posts:       f.posts,
		Deliverer:   delivery.New(delivery.Options{Logger: logger.Discard()}),
		Events:      f.events,
		Metrics:     f.metrics,
		Logger:      logger.Discard(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) subscribe(t *testing.T, tenantID string, users ...string) {
	t.Helper()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, u := range users {
		require.NoError(t, f.store.Touch(context.Background(), tenantID, u, base.Add(time.Duration(i)*time.Minute)))
	}
}

func pushedTo(client *platformtest.Client) []string {
	var out []string
	for _, c := range client.Calls() {
		if c.Op == "push" {
			out = append(out, c.Target)
		}
	}
	return out
}

func TestRunRecordsOneFailureAndContinues(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "wx", "U1", "U2", "U3")
	f.posts.failOn[2] = errors.New("image model overloaded")

	res, err := f.engine.Run(context.Background(), "wx", Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "U2", res.Failures[0].UserID)
	assert.Equal(t, StageGenerate, res.Failures[0].Stage)
	assert.Contains(t, res.Failures[0].Error, "overloaded")
	assert.Equal(t, StatusPartialSuccess, res.Status)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []string{"U1", "U3"}, pushedTo(f.client))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.BroadcastRecipients.WithLabelValues("wx", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BroadcastRecipients.WithLabelValues("wx", "failed")))
	assert.Equal(t, []bus.EventType{bus.EventBroadcastStarted, bus.EventRecipientFailed, bus.EventBroadcastCompleted}, f.events.types())
}

func TestRunEveryStageFailureIsCaptured(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "wx", "U1", "U2", "U3")
	ctx := context.Background()
	require.NoError(t, f.store.SetLocation(ctx, "wx", "U1", tenant.Location{Latitude: 1, Longitude: 1}, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))
	f.fetcher.failFor[1] = errors.New("upstream 503")
	f.posts.failOn[1] = errors.New("no image")
	f.client.FailPushTo("U3", errors.New("blocked by user"))

	res, err := f.engine.Run(ctx, "wx", Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, res.Total, res.Succeeded+res.Failed)
	assert.Equal(t, StatusFailed, res.Status)

	stages := map[string]Stage{}
	for _, fl := range res.Failures {
		stages[fl.UserID] = fl.Stage
	}
	assert.Equal(t, map[string]Stage{"U1": StageFetch, "U2": StageGenerate, "U3": StageDeliver}, stages)
}

func TestRunOverZeroSubscribers(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Run(context.Background(), "wx", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Empty(t, res.Failures)
	assert.Equal(t, StatusEmpty, res.Status)
	assert.Empty(t, f.client.Calls())
}

func TestRunPreconditions(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "food", "U1")

	_, err := f.engine.Run(context.Background(), "ghost", Options{})
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = f.engine.Run(context.Background(), "food", Options{})
	assert.ErrorIs(t, err, ErrNotBroadcastable)

	assert.Empty(t, f.fetcher.fetched())
	assert.Empty(t, f.events.types())
}

func TestRunUsesLocationFallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "wx", "U1", "U2")
	require.NoError(t, f.store.SetLocation(ctx, "wx", "U2", tenant.Location{Latitude: 22.63, Longitude: 120.30, Name: "Kaohsiung"}, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))

	_, err := f.engine.Run(ctx, "wx", Options{})
	require.NoError(t, err)

	locs := f.fetcher.fetched()
	require.Len(t, locs, 2)
	assert.Equal(t, "Tokyo", locs[0].Name)
	assert.Equal(t, "Kaohsiung", locs[1].Name)
}

func TestRunTestRecipientOnly(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "wx", "U1", "U2")

	start := time.Now()
	res, err := f.engine.Run(context.Background(), "wx", Options{TestRecipient: "QA", Delay: Delay(time.Hour)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Minute)

	assert.True(t, res.Test)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"QA"}, pushedTo(f.client))

	st, err := f.engine.Status(context.Background(), "wx")
	require.NoError(t, err)
	assert.Nil(t, st.LastRun, "test sends do not replace the last run")
}

func TestRunDelaysBetweenSubscribersOnly(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "wx", "U1", "U2", "U3")

	start := time.Now()
	res, err := f.engine.Run(context.Background(), "wx", Options{Delay: Delay(20 * time.Millisecond)})
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, 3, res.Succeeded)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

func TestRunCancellationFinishesInFlightSubscriber(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "wx", "U1", "U2", "U3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var inFlightErr error
	f.fetcher.onFetch = func(fetchCtx context.Context, n int) {
		if n == 1 {
			cancel()
			inFlightErr = fetchCtx.Err()
		}
	}

	res, err := f.engine.Run(ctx, "wx", Options{})
	require.NoError(t, err)
	require.NoError(t, inFlightErr)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"U1"}, pushedTo(f.client))
	assert.True(t, strings.Contains(res.Message, "cancelled"))
}

func TestRunCancelledDuringDelay(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "wx", "U1", "U2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetcher.onFetch = func(context.Context, int) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
	}

	res, err := f.engine.Run(ctx, "wx", Options{Delay: Delay(time.Minute)})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Skipped)
}

func TestRunRejectsConcurrentRunForSameTenant(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "wx", "U1")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.onFetch = func(context.Context, int) {
		close(entered)
		<-release
	}

	done := make(chan Result, 1)
	go func() {
		res, _ := f.engine.Run(context.Background(), "wx", Options{})
		done <- res
	}()
	<-entered

	_, err := f.engine.Run(context.Background(), "wx", Options{})
	assert.ErrorIs(t, err, ErrRunInProgress)

	st, err := f.engine.Status(context.Background(), "wx")
	require.NoError(t, err)
	assert.True(t, st.Running)

	close(release)
	res := <-done
	assert.Equal(t, 1, res.Succeeded)

	st, err = f.engine.Status(context.Background(), "wx")
	require.NoError(t, err)
	assert.False(t, st.Running)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, res.RunID, st.LastRun.RunID)
}

func TestStatusCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "wx", "U1", "U2")
	require.NoError(t, f.store.SetLocation(ctx, "wx", "U1", tenant.Location{Latitude: 1, Longitude: 2}, time.Now()))

	st, err := f.engine.Status(ctx, "wx")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Subscribers)
	assert.Equal(t, 1, st.WithLocation)
	assert.False(t, st.CustomPrompt)
	assert.True(t, st.BroadcastsEnabled)
	assert.Equal(t, "weather", st.Kind)

	_, err = f.engine.Status(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestRunZeroDelayOverridesDefault(t *testing.T) {
	f := newFixture(t)
	f.engine.delay = time.Hour
	f.subscribe(t, "wx", "U1", "U2")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.engine.Run(ctx, "wx", Options{Delay: Delay(0)})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, 2, res.Succeeded)
}

func TestSummarizeRun(t *testing.T) {
	tests := []struct {
		name string
		in   Result
		want RunStatus
		msg  string
	}{
		{"empty", Result{}, StatusEmpty, "No subscribers"},
		{"success", Result{Total: 2, Succeeded: 2}, StatusSuccess, "all 2"},
		{"partial", Result{Total: 3, Succeeded: 2, Failed: 1}, StatusPartialSuccess, "2 of 3"},
		{"failed", Result{Total: 2, Failed: 2}, StatusFailed, "failed for all 2"},
		{"cancelled before first", Result{Skipped: 3, Cancelled: true}, StatusCancelled, "3 skipped"},
		{"cancelled midway", Result{Total: 1, Succeeded: 1, Skipped: 2, Cancelled: true}, StatusSuccess, "(cancelled, 2 skipped)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := summarizeRun(tt.in)
			assert.Equal(t, tt.want, status)
			assert.Contains(t, msg, tt.msg)
		})
	}
}

func TestSummarizeTruncates(t *testing.T) {
	got := summarize(errors.New(strings.Repeat("x", 500)))
	if len(got) != maxErrorSummary {
		t.Fatalf("len(summarize()) = %d, want %d", len(got), maxErrorSummary)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() error = nil, want error")
	}
}
