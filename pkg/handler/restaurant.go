package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"botfleet/pkg/platform"
	"botfleet/pkg/provider"
	"botfleet/pkg/registry"
	"botfleet/pkg/tenant"
)

const (
	defaultRadius  = 1000
	maxPlaces      = 3
	genericKeyword = "food"
)

const (
	msgRestaurantGreeting = "Hello! I'm a food & drink recommendation bot. Share your location, then tell me what you'd like to eat or drink."
	msgShareLocation      = "Please share your location so I can find food and drink places nearby."
	msgSearchUnavailable  = "Sorry, restaurant search is not available right now."
	msgNoResults          = "Sorry, I couldn't find any food or drink places matching your criteria."
	msgSearchFailed       = "Sorry, something went wrong while searching. Please try again later."
	msgLocationSaved      = "I've saved your location! What type of food or drink are you looking for?\n" +
		"For example, you can say:\n" +
		"- \"Japanese food\"\n" +
		"- \"Bubble tea shop\"\n" +
		"- \"Dessert place\"\n" +
		"- \"Coffee shop\"\n" +
		"- Or just say \"Any\" for general recommendations"
)

// Query is a parsed restaurant search request.
type Query struct {
	Keyword    string
	Location   tenant.Location
	Radius     int
	PriceLevel int
	OpenNow    bool
	Language   string
}

// Place is one search hit.
type Place struct {
	Name    string
	Address string
	Rating  float64
	MapsURL string
	OpenNow bool
}

// PlaceSearcher finds places near a location.
type PlaceSearcher interface {
	Search(ctx context.Context, q Query) ([]Place, error)
}

// Restaurant answers food and drink search requests.
type Restaurant struct {
	deliver   Deliverer
	locations LocationStore
	searcher  PlaceSearcher
	completer provider.Completer
	log       *slog.Logger
}

// RestaurantOptions wires a Restaurant handler. Searcher and Completer are
// optional.
type RestaurantOptions struct {
	Deliverer Deliverer
	Locations LocationStore
	Searcher  PlaceSearcher
	Completer provider.Completer
	Logger    *slog.Logger
}

func NewRestaurant(opts RestaurantOptions) (*Restaurant, error) {
	if opts.Deliverer == nil || opts.Locations == nil {
		return nil, errors.New("restaurant handler needs a deliverer and a location store")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Restaurant{
		deliver:   opts.Deliverer,
		locations: opts.Locations,
		searcher:  opts.Searcher,
		completer: opts.Completer,
		log:       log.With("component", "handler.restaurant"),
	}, nil
}

func (h *Restaurant) Handle(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance) error {
	switch {
	case event.Type == platform.EventFollow:
		return reply(ctx, h.deliver, bot, event, platform.Text(msgRestaurantGreeting))
	case event.Type != platform.EventMessage:
		return nil
	case event.Kind == platform.PayloadLocation && event.Location != nil:
		return h.saveLocation(ctx, event, bot)
	case event.Kind == platform.PayloadText:
		return h.search(ctx, event, bot)
	default:
		return nil
	}
}

func (h *Restaurant) saveLocation(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance) error {
	if err := h.locations.SetLocation(ctx, bot.ID(), event.SenderID, *event.Location, eventTime(event)); err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	return reply(ctx, h.deliver, bot, event, platform.Text(msgLocationSaved))
}

func (h *Restaurant) search(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance) error {
	if isGreeting(event.Text) {
		return reply(ctx, h.deliver, bot, event, platform.Text(msgRestaurantGreeting))
	}
	cfg := bot.Config()

	q := h.parse(ctx, cfg, event.Text)
	loc, err := h.locations.Location(ctx, bot.ID(), event.SenderID)
	if err != nil {
		return fmt.Errorf("load location: %w", err)
	}
	if loc == nil {
		return reply(ctx, h.deliver, bot, event, platform.Text(msgShareLocation))
	}
	q.Location = *loc

	if h.searcher == nil {
		return reply(ctx, h.deliver, bot, event, platform.Text(msgSearchUnavailable))
	}

	places, err := h.searcher.Search(ctx, q)
	if err != nil {
		if rerr := reply(ctx, h.deliver, bot, event, platform.Text(msgSearchFailed)); rerr != nil {
			h.log.Warn("Failed to report search error", "tenant", bot.ID(), "error", rerr)
		}
		return fmt.Errorf("search places: %w", err)
	}
	if len(places) == 0 {
		return reply(ctx, h.deliver, bot, event, platform.Text(msgNoResults))
	}
	return reply(ctx, h.deliver, bot, event, platform.Text(formatPlaces(places)))
}

func (h *Restaurant) parse(ctx context.Context, cfg tenant.Config, text string) Query {
	q := Query{
		Radius:   cfg.FeatureInt("default_radius", defaultRadius),
		Language: featureOr(cfg, "default_language", "en"),
	}
	if isGenericRequest(text) {
		q.Keyword = genericKeyword
		return q
	}

	if cfg.FeatureBool("use_ai_parsing", false) && h.completer != nil {
		parsed, err := h.parseWithModel(ctx, text)
		if err == nil {
			parsed.Radius, parsed.Language = q.Radius, q.Language
			return parsed
		}
		h.log.Warn("Model parsing failed, using keyword parsing", "tenant", cfg.ID, "error", err)
	}

	parsed := ParseKeywords(text)
	parsed.Radius, parsed.Language = q.Radius, q.Language
	return parsed
}

const parseInstructions = "You extract structured data from restaurant search requests. Reply with JSON only."

func (h *Restaurant) parseWithModel(ctx context.Context, text string) (Query, error) {
	prompt := fmt.Sprintf(`Extract from this request: %q
Return JSON: {"keyword": "cuisine type or null", "price_level": 1-4 or null, "open_now": boolean}`, text)

	result, err := h.completer.Complete(ctx, parseInstructions, prompt)
	if err != nil {
		return Query{}, err
	}
	body := strings.TrimSuffix(strings.TrimSpace(result.Text), "```")
	body = strings.TrimPrefix(strings.TrimPrefix(body, "```"), "json")
	if !gjson.Valid(body) {
		return Query{}, fmt.Errorf("model returned invalid json")
	}

	parsed := gjson.Parse(body)
	q := Query{
		Keyword:    normalizeCuisine(parsed.Get("keyword").String()),
		PriceLevel: int(parsed.Get("price_level").Int()),
		OpenNow:    parsed.Get("open_now").Bool(),
	}
	if q.Keyword == "" {
		q.Keyword = genericKeyword
	}
	return q, nil
}

var cuisines = []struct{ word, query string }{
	{"japanese", "japanese restaurant"},
	{"chinese", "chinese restaurant"},
	{"italian", "italian restaurant"},
	{"american", "american restaurant"},
	{"thai", "thai restaurant"},
	{"korean", "korean restaurant"},
	{"vegetarian", "vegetarian restaurant"},
	{"coffee", "cafe"},
	{"bubble tea", "bubble tea"},
	{"dessert", "dessert"},
}

func normalizeCuisine(keyword string) string {
	lower := strings.ToLower(strings.TrimSpace(keyword))
	if lower == "" || lower == "null" {
		return ""
	}
	for _, c := range cuisines {
		if strings.Contains(lower, c.word) {
			return c.query
		}
	}
	return lower
}

// ParseKeywords extracts a query from free text without a model.
func ParseKeywords(text string) Query {
	lower := strings.ToLower(text)
	q := Query{Keyword: genericKeyword}
	for _, c := range cuisines {
		if strings.Contains(lower, c.word) {
			q.Keyword = c.query
			break
		}
	}
	switch {
	case containsAny(lower, "cheap", "affordable"):
		q.PriceLevel = 1
	case containsAny(lower, "luxury", "high-end"):
		q.PriceLevel = 4
	case strings.Contains(lower, "medium"):
		q.PriceLevel = 2
	}
	q.OpenNow = containsAny(lower, "open now", "currently open")
	return q
}

func isGenericRequest(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "any", "anything", "general", "whatever", "any restaurant", "any food":
		return true
	}
	return false
}

func formatPlaces(places []Place) string {
	if len(places) > maxPlaces {
		places = places[:maxPlaces]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here are %d recommended places for you:", len(places))
	for i, p := range places {
		fmt.Fprintf(&b, "\n\n%d. %s", i+1, p.Name)
		if p.Rating > 0 {
			fmt.Fprintf(&b, " (%.1f★)", p.Rating)
		}
		if p.Address != "" {
			fmt.Fprintf(&b, "\n%s", p.Address)
		}
		if p.MapsURL != "" {
			fmt.Fprintf(&b, "\n%s", p.MapsURL)
		}
	}
	return b.String()
}

func featureOr(cfg tenant.Config, name, fallback string) string {
	if v, ok := cfg.Feature(name); ok && v != "" {
		return v
	}
	return fallback
}
