package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"botfleet/pkg/generator"
	"botfleet/pkg/platform"
	"botfleet/pkg/registry"
	"botfleet/pkg/tenant"
	"botfleet/pkg/weather"
)

const (
	msgWeatherWelcome = "Hi! I help you decide what to wear based on the weather. 👔☀️\n\n" +
		"• Share location - Get weather & outfit\n" +
		"• 'weather' - Get current weather\n" +
		"• 'outfit' - Get an outfit recommendation\n\n" +
		"You'll also get a daily outfit every morning!"
	msgWeatherHelp = "I can help with:\n" +
		"• 'weather' - Check current weather\n" +
		"• 'outfit' - Get an outfit recommendation\n" +
		"• Share your location for local weather"
	msgWeatherUnavailable = "❌ Unable to fetch weather data. Please try again later."
	msgOutfitUnavailable  = "⚠️ Unable to generate an outfit image at the moment. Please try 'outfit' again later!"
	onDemandHeading       = "👔 Today's weather & outfit"
)

// PostGenerator builds weather posts.
type PostGenerator interface {
	Generate(ctx context.Context, req generator.Request) ([]platform.Message, error)
}

// Weather answers forecast and outfit requests.
type Weather struct {
	deliver   Deliverer
	locations LocationStore
	fetcher   weather.Fetcher
	posts     PostGenerator
	log       *slog.Logger
}

// WeatherOptions wires a Weather handler.
type WeatherOptions struct {
	Deliverer Deliverer
	Locations LocationStore
	Fetcher   weather.Fetcher
	Posts     PostGenerator
	Logger    *slog.Logger
}

func NewWeather(opts WeatherOptions) (*Weather, error) {
	if opts.Deliverer == nil || opts.Locations == nil || opts.Fetcher == nil || opts.Posts == nil {
		return nil, errors.New("weather handler needs a deliverer, location store, fetcher and generator")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Weather{
		deliver:   opts.Deliverer,
		locations: opts.Locations,
		fetcher:   opts.Fetcher,
		posts:     opts.Posts,
		log:       log.With("component", "handler.weather"),
	}, nil
}

func (h *Weather) Handle(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance) error {
	switch {
	case event.Type == platform.EventFollow:
		return reply(ctx, h.deliver, bot, event, platform.Text(msgWeatherWelcome))
	case event.Type != platform.EventMessage:
		return nil
	case event.Kind == platform.PayloadLocation && event.Location != nil:
		return h.saveLocation(ctx, event, bot)
	case event.Kind == platform.PayloadText:
		return h.command(ctx, event, bot)
	default:
		return nil
	}
}

func (h *Weather) command(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance) error {
	text := strings.ToLower(strings.TrimSpace(event.Text))
	switch {
	case containsAny(text, "outfit", "ootd", "recommend", "穿搭"):
		loc, err := h.locationFor(ctx, bot, event.SenderID)
		if err != nil {
			return err
		}
		return h.sendPost(ctx, event, bot, loc)
	case containsAny(text, "weather", "天氣"):
		loc, err := h.locationFor(ctx, bot, event.SenderID)
		if err != nil {
			return err
		}
		data, err := h.fetcher.Fetch(ctx, loc)
		if err != nil {
			h.apologize(ctx, event, bot, msgWeatherUnavailable)
			return fmt.Errorf("fetch weather: %w", err)
		}
		return reply(ctx, h.deliver, bot, event, platform.Text(generator.SummaryText("", data)))
	case isGreeting(text):
		return reply(ctx, h.deliver, bot, event, platform.Text(msgWeatherWelcome))
	default:
		return reply(ctx, h.deliver, bot, event, platform.Text(msgWeatherHelp))
	}
}

func (h *Weather) saveLocation(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance) error {
	loc := *event.Location
	if loc.Name == "" {
		loc.Name = weather.LocationName(loc.Latitude, loc.Longitude)
	}
	if err := h.locations.SetLocation(ctx, bot.ID(), event.SenderID, loc, eventTime(event)); err != nil {
		return fmt.Errorf("save location: %w", err)
	}
	return h.sendPost(ctx, event, bot, loc, platform.Text("📍 Location saved: "+loc.Name))
}

// sendPost fetches, generates and replies with one post. prefix messages go
// first in the same reply.
func (h *Weather) sendPost(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance, loc tenant.Location, prefix ...platform.Message) error {
	data, err := h.fetcher.Fetch(ctx, loc)
	if err != nil {
		h.apologize(ctx, event, bot, msgWeatherUnavailable)
		return fmt.Errorf("fetch weather: %w", err)
	}
	if data.Location.Name == "" {
		data.Location.Name = loc.Name
	}

	msgs, err := h.posts.Generate(ctx, generator.Request{
		Weather:  data,
		Template: bot.Config().ImagePromptTemplate,
		Heading:  onDemandHeading,
		FollowUp: generator.OnDemandFollow,
	})
	if err != nil {
		h.apologize(ctx, event, bot, msgOutfitUnavailable)
		return fmt.Errorf("generate post: %w", err)
	}
	return reply(ctx, h.deliver, bot, event, append(prefix, msgs...)...)
}

// locationFor picks the user's saved location, then the tenant default,
// then the service default.
func (h *Weather) locationFor(ctx context.Context, bot *registry.BotInstance, userID string) (tenant.Location, error) {
	saved, err := h.locations.Location(ctx, bot.ID(), userID)
	if err != nil {
		return tenant.Location{}, fmt.Errorf("load location: %w", err)
	}
	return weather.ResolveLocation(saved, bot.Config().DefaultLocation), nil
}

func (h *Weather) apologize(ctx context.Context, event platform.InboundEvent, bot *registry.BotInstance, text string) {
	if err := reply(ctx, h.deliver, bot, event, platform.Text(text)); err != nil {
		h.log.Warn("Failed to send apology", "tenant", bot.ID(), "error", err)
	}
}
