package handler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/pkg/delivery"
	"botfleet/pkg/generator"
	"botfleet/pkg/logger"
	"botfleet/pkg/platform"
	"botfleet/pkg/platform/platformtest"
	providertypes "botfleet/pkg/provider/types"
	"botfleet/pkg/registry"
	"botfleet/pkg/tenant"
	"botfleet/pkg/weather"
)

type memLocations struct {
	mu   sync.Mutex
	locs map[string]tenant.Location
	err  error
}

func newMemLocations() *memLocations {
	return &memLocations{locs: map[string]tenant.Location{}}
}

func (m *memLocations) SetLocation(_ context.Context, tenantID, userID string, loc tenant.Location, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.locs[tenantID+"/"+userID] = loc
	return nil
}

func (m *memLocations) Location(_ context.Context, tenantID, userID string) (*tenant.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	loc, ok := m.locs[tenantID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []Query
	places  []Place
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, q Query) ([]Place, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.places, f.err
}

type fakeCompleter struct {
	text string
	err  error
}

func (f fakeCompleter) Complete(context.Context, string, string) (providertypes.CompletionResult, error) {
	return providertypes.CompletionResult{Text: f.text}, f.err
}

type fakeFetcher struct {
	mu   sync.Mutex
	locs []tenant.Location
	data weather.Data
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, loc tenant.Location) (weather.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locs = append(f.locs, loc)
	d := f.data
	d.Location = loc
	return d, f.err
}

type fakePosts struct {
	reqs []generator.Request
	err  error
}

func (f *fakePosts) Generate(_ context.Context, req generator.Request) ([]platform.Message, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return []platform.Message{
		platform.Text(generator.SummaryText(req.Heading, req.Weather)),
		platform.Image("https://img/1.png", ""),
		platform.Text(req.FollowUp),
	}, nil
}

func textEvent(text string) platform.InboundEvent {
	return platform.InboundEvent{ID: "e1", Type: platform.EventMessage, ReplyToken: "rt", SenderID: "U1", Kind: platform.PayloadText, Text: text}
}

func locationEvent(lat, lng float64, name string) platform.InboundEvent {
	return platform.InboundEvent{
		ID: "e2", Type: platform.EventMessage, ReplyToken: "rt", SenderID: "U1",
		Kind: platform.PayloadLocation, Location: &tenant.Location{Latitude: lat, Longitude: lng, Name: name},
	}
}

func lastReplyText(t *testing.T, client *platformtest.Client) string {
	t.Helper()
	calls := client.Calls()
	require.NotEmpty(t, calls, "expected an outbound call")
	msgs := calls[len(calls)-1].Messages
	require.NotEmpty(t, msgs)
	return msgs[0].Text
}

func newRestaurantFixture(t *testing.T, cfg tenant.Config, opts RestaurantOptions) (*Restaurant, *registry.BotInstance, *platformtest.Client, *memLocations) {
	t.Helper()
	client := platformtest.New("secret")
	bot := registry.NewBotInstance(cfg, client, nil)
	locs := newMemLocations()
	opts.Deliverer = delivery.New(delivery.Options{Logger: logger.Discard()})
	opts.Locations = locs
	opts.Logger = logger.Discard()
	h, err := NewRestaurant(opts)
	require.NoError(t, err)
	return h, bot, client, locs
}

func TestRestaurantAsksForLocationFirst(t *testing.T) {
	h, bot, client, _ := newRestaurantFixture(t, tenant.Config{ID: "food"}, RestaurantOptions{Searcher: &fakeSearcher{}})

	require.NoError(t, h.Handle(context.Background(), textEvent("japanese food"), bot))
	assert.Equal(t, msgShareLocation, lastReplyText(t, client))
	assert.Equal(t, 1, client.Count("reply"))
}

func TestRestaurantSearchesNearSavedLocation(t *testing.T) {
	searcher := &fakeSearcher{places: []Place{
		{Name: "Ichiran", Rating: 4.5, Address: "Xinyi"},
		{Name: "Afuri"}, {Name: "Tsuta"}, {Name: "Fourth"},
	}}
	cfg := tenant.Config{ID: "food", Features: map[string]string{"default_radius": "1500"}}
	h, bot, client, _ := newRestaurantFixture(t, cfg, RestaurantOptions{Searcher: searcher})
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, locationEvent(25.03, 121.56, "Taipei 101"), bot))
	assert.Contains(t, lastReplyText(t, client), "saved your location")

	require.NoError(t, h.Handle(ctx, textEvent("cheap japanese open now"), bot))
	require.Len(t, searcher.queries, 1)
	q := searcher.queries[0]
	assert.Equal(t, "japanese restaurant", q.Keyword)
	assert.Equal(t, 1, q.PriceLevel)
	assert.True(t, q.OpenNow)
	assert.Equal(t, 1500, q.Radius)
	assert.Equal(t, 25.03, q.Location.Latitude)

	got := lastReplyText(t, client)
	assert.Contains(t, got, "Here are 3 recommended places")
	assert.Contains(t, got, "1. Ichiran (4.5★)")
	assert.NotContains(t, got, "Fourth")
}

func TestRestaurantWithoutSearcherRepliesUnavailable(t *testing.T) {
	h, bot, client, locs := newRestaurantFixture(t, tenant.Config{ID: "food"}, RestaurantOptions{})
	locs.locs["food/U1"] = tenant.Location{Latitude: 1, Longitude: 2}

	require.NoError(t, h.Handle(context.Background(), textEvent("coffee"), bot))
	assert.Equal(t, msgSearchUnavailable, lastReplyText(t, client))
}

func TestRestaurantSearchFailureIsReportedAndReturned(t *testing.T) {
	boom := errors.New("quota exceeded")
	h, bot, client, locs := newRestaurantFixture(t, tenant.Config{ID: "food"}, RestaurantOptions{Searcher: &fakeSearcher{err: boom}})
	locs.locs["food/U1"] = tenant.Location{Latitude: 1, Longitude: 2}

	err := h.Handle(context.Background(), textEvent("thai"), bot)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, msgSearchFailed, lastReplyText(t, client))
}

func TestRestaurantModelParsingAndFallback(t *testing.T) {
	cases := []struct {
		name      string
		completer fakeCompleter
		want      Query
	}{
		{
			name:      "model json",
			completer: fakeCompleter{text: "```json\n{\"keyword\":\"Korean BBQ\",\"price_level\":4,\"open_now\":false}\n```"},
			want:      Query{Keyword: "korean restaurant", PriceLevel: 4},
		},
		{
			name:      "bare fence",
			completer: fakeCompleter{text: "```\n{\"keyword\":\"Korean BBQ\",\"price_level\":2,\"open_now\":false}\n```"},
			want:      Query{Keyword: "korean restaurant", PriceLevel: 2},
		},
		{
			name:      "model error falls back to keywords",
			completer: fakeCompleter{err: errors.New("timeout")},
			want:      Query{Keyword: "italian restaurant"},
		},
		{
			name:      "invalid json falls back to keywords",
			completer: fakeCompleter{text: "sure! italian"},
			want:      Query{Keyword: "italian restaurant"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			searcher := &fakeSearcher{places: []Place{{Name: "x"}}}
			cfg := tenant.Config{ID: "food", Features: map[string]string{"use_ai_parsing": "true"}}
			h, bot, _, locs := newRestaurantFixture(t, cfg, RestaurantOptions{Searcher: searcher, Completer: tc.completer})
			locs.locs["food/U1"] = tenant.Location{Latitude: 1, Longitude: 2}

			require.NoError(t, h.Handle(context.Background(), textEvent("italian please"), bot))
			require.Len(t, searcher.queries, 1)
			got := searcher.queries[0]
			assert.Equal(t, tc.want.Keyword, got.Keyword)
			assert.Equal(t, tc.want.PriceLevel, got.PriceLevel)
			assert.Equal(t, defaultRadius, got.Radius)
		})
	}
}

func TestRestaurantGenericAndGreeting(t *testing.T) {
	searcher := &fakeSearcher{places: []Place{{Name: "x"}}}
	h, bot, client, locs := newRestaurantFixture(t, tenant.Config{ID: "food"}, RestaurantOptions{Searcher: searcher})
	locs.locs["food/U1"] = tenant.Location{Latitude: 1, Longitude: 2}
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, textEvent("Hello"), bot))
	assert.Equal(t, msgRestaurantGreeting, lastReplyText(t, client))
	assert.Empty(t, searcher.queries)

	require.NoError(t, h.Handle(ctx, textEvent("anything"), bot))
	require.Len(t, searcher.queries, 1)
	assert.Equal(t, genericKeyword, searcher.queries[0].Keyword)
}

func TestRestaurantIgnoresUnfollow(t *testing.T) {
	h, bot, client, _ := newRestaurantFixture(t, tenant.Config{ID: "food"}, RestaurantOptions{})
	require.NoError(t, h.Handle(context.Background(), platform.InboundEvent{Type: platform.EventUnfollow, SenderID: "U1"}, bot))
	assert.Empty(t, client.Calls())
}

func newWeatherFixture(t *testing.T, cfg tenant.Config) (*Weather, *registry.BotInstance, *platformtest.Client, *memLocations, *fakeFetcher, *fakePosts) {
	t.Helper()
	client := platformtest.New("secret")
	bot := registry.NewBotInstance(cfg, client, nil)
	locs := newMemLocations()
	fetcher := &fakeFetcher{data: weather.Data{Date: "2026-03-01", TempMin: 12, TempMax: 19, WeatherCode: 2}}
	posts := &fakePosts{}
	h, err := NewWeather(WeatherOptions{
		Deliverer: delivery.New(delivery.Options{Logger: logger.Discard()}),
		Locations: locs,
		Fetcher:   fetcher,
		Posts:     posts,
		Logger:    logger.Discard(),
	})
	require.NoError(t, err)
	return h, bot, client, locs, fetcher, posts
}

func TestWeatherCommandUsesFallbackLocations(t *testing.T) {
	tokyo := &tenant.Location{Latitude: 35.68, Longitude: 139.69, Name: "Tokyo"}

	t.Run("service default", func(t *testing.T) {
		h, bot, client, _, fetcher, _ := newWeatherFixture(t, tenant.Config{ID: "wx"})
		require.NoError(t, h.Handle(context.Background(), textEvent("Weather?"), bot))
		require.Len(t, fetcher.locs, 1)
		assert.Equal(t, weather.DefaultLocation.Latitude, fetcher.locs[0].Latitude)
		assert.Contains(t, lastReplyText(t, client), "Partly cloudy")
	})

	t.Run("tenant default", func(t *testing.T) {
		h, bot, _, _, fetcher, _ := newWeatherFixture(t, tenant.Config{ID: "wx", DefaultLocation: tokyo})
		require.NoError(t, h.Handle(context.Background(), textEvent("weather"), bot))
		assert.Equal(t, "Tokyo", fetcher.locs[0].Name)
	})

	t.Run("saved location wins", func(t *testing.T) {
		h, bot, _, locs, fetcher, _ := newWeatherFixture(t, tenant.Config{ID: "wx", DefaultLocation: tokyo})
		locs.locs["wx/U1"] = tenant.Location{Latitude: 22.6, Longitude: 120.3, Name: "Kaohsiung"}
		require.NoError(t, h.Handle(context.Background(), textEvent("今天天氣"), bot))
		assert.Equal(t, "Kaohsiung", fetcher.locs[0].Name)
	})
}

func TestWeatherOutfitRepliesWithPost(t *testing.T) {
	cfg := tenant.Config{ID: "wx", ImagePromptTemplate: "outfit for {conditions}"}
	h, bot, client, _, _, posts := newWeatherFixture(t, cfg)

	require.NoError(t, h.Handle(context.Background(), textEvent("OOTD"), bot))
	require.Len(t, posts.reqs, 1)
	assert.Equal(t, "outfit for {conditions}", posts.reqs[0].Template)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "reply", calls[0].Op)
	assert.Len(t, calls[0].Messages, 3)
}

func TestWeatherLocationIsSavedThenPosted(t *testing.T) {
	h, bot, client, locs, fetcher, _ := newWeatherFixture(t, tenant.Config{ID: "wx"})

	require.NoError(t, h.Handle(context.Background(), locationEvent(35.6812, 139.7671, ""), bot))
	saved, ok := locs.locs["wx/U1"]
	require.True(t, ok)
	assert.Equal(t, "Location (35.68, 139.77)", saved.Name)
	assert.Equal(t, 35.6812, fetcher.locs[0].Latitude)

	calls := client.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 4)
	assert.True(t, strings.HasPrefix(calls[0].Messages[0].Text, "📍 Location saved"))
}

func TestWeatherFailuresApologizeAndReturnError(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		h, bot, client, _, fetcher, _ := newWeatherFixture(t, tenant.Config{ID: "wx"})
		fetcher.err = errors.New("upstream 502")
		err := h.Handle(context.Background(), textEvent("weather"), bot)
		require.Error(t, err)
		assert.Equal(t, msgWeatherUnavailable, lastReplyText(t, client))
	})

	t.Run("generate", func(t *testing.T) {
		h, bot, client, _, _, posts := newWeatherFixture(t, tenant.Config{ID: "wx"})
		posts.err = errors.New("image quota")
		err := h.Handle(context.Background(), textEvent("outfit"), bot)
		require.Error(t, err)
		assert.Equal(t, msgOutfitUnavailable, lastReplyText(t, client))
	})
}

func TestWeatherFollowAndHelp(t *testing.T) {
	h, bot, client, _, fetcher, _ := newWeatherFixture(t, tenant.Config{ID: "wx"})
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, platform.InboundEvent{Type: platform.EventFollow, ReplyToken: "rt", SenderID: "U1"}, bot))
	assert.Equal(t, msgWeatherWelcome, lastReplyText(t, client))

	require.NoError(t, h.Handle(ctx, textEvent("what can you do"), bot))
	assert.Equal(t, msgWeatherHelp, lastReplyText(t, client))
	assert.Empty(t, fetcher.locs)
}

func TestConstructorsRequireCollaborators(t *testing.T) {
	_, err := NewRestaurant(RestaurantOptions{})
	assert.Error(t, err)
	_, err = NewWeather(WeatherOptions{})
	assert.Error(t, err)
}
