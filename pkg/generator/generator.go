// Package generator turns a forecast into the outbound messages of a daily
// weather and outfit post.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"botfleet/pkg/imagestore"
	"botfleet/pkg/platform"
	providertypes "botfleet/pkg/provider/types"
	"botfleet/pkg/weather"
)

const (
	DailyHeading   = "☀️ Good morning! Here's your daily weather & outfit recommendation"
	DailyFollowUp  = "✨ Here's your daily outfit recommendation!\n\nHave a wonderful day! 💕"
	OnDemandFollow = "✨ Here's an outfit for today's weather!"
)

// ErrImagesDisabled is returned by Outfit when no image model is configured.
var ErrImagesDisabled = errors.New("image generation not configured")

// ImageGenerator renders an image for a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (providertypes.Image, error)
}

// Request describes one post.
type Request struct {
	Weather weather.Data
	// Template is the tenant's image prompt with {weather_description},
	// {temperature} and {conditions} placeholders. Empty uses a built-in prompt.
	Template string
	Heading  string
	FollowUp string
}

// Generator is safe for concurrent use.
type Generator struct {
	images ImageGenerator
	store  imagestore.Store
	log    *slog.Logger
}

// New creates a Generator. A nil images generator produces text-only posts.
func New(images ImageGenerator, store imagestore.Store, log *slog.Logger) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{images: images, store: store, log: log.With("component", "generator")}
}

// Generate builds summary text, an outfit image, and a follow-up. Any
// failure in the image step fails the whole post so nothing partial is sent.
func (g *Generator) Generate(ctx context.Context, req Request) ([]platform.Message, error) {
	msgs := []platform.Message{platform.Text(SummaryText(req.Heading, req.Weather))}
	if g.images == nil {
		return msgs, nil
	}

	url, err := g.Outfit(ctx, req.Weather, req.Template)
	if err != nil {
		return nil, err
	}
	followUp := req.FollowUp
	if followUp == "" {
		followUp = DailyFollowUp
	}
	return append(msgs, platform.Image(url, ""), platform.Text(followUp)), nil
}

// Outfit renders and hosts an outfit image, returning its public URL.
func (g *Generator) Outfit(ctx context.Context, data weather.Data, template string) (string, error) {
	if g.images == nil {
		return "", ErrImagesDisabled
	}
	prompt := OutfitPrompt(template, data)

	started := time.Now()
	img, err := g.images.GenerateImage(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate outfit image: %w", err)
	}
	if img.URL != "" {
		return img.URL, nil
	}
	if g.store == nil {
		return "", errors.New("generated image has no url and no image store is configured")
	}
	url, err := g.store.Save(ctx, imagestore.NewName(img.ContentType), img.Data, img.ContentType)
	if err != nil {
		return "", fmt.Errorf("store outfit image: %w", err)
	}
	g.log.Debug("Outfit image ready", "duration_ms", time.Since(started).Milliseconds(), "model", img.Model)
	return url, nil
}

// SummaryText renders the headline post text.
func SummaryText(heading string, data weather.Data) string {
	var b strings.Builder
	if heading != "" {
		b.WriteString(heading)
		b.WriteString("\n\n")
	}
	if name := data.Location.Name; name != "" {
		fmt.Fprintf(&b, "📍 %s\n\n", name)
	}
	b.WriteString(strings.TrimRight(weather.Summary(data), "\n"))
	return b.String()
}

var conditionWords = map[string]string{
	"heavy":    "大雨",
	"moderate": "中雨",
	"light":    "小雨",
	"hot":      "炎熱",
	"warm":     "溫暖",
	"mild":     "舒適",
	"cool":     "涼爽",
	"cold":     "寒冷",
}

// OutfitPrompt fills template from data, or builds a default prompt.
func OutfitPrompt(template string, data weather.Data) string {
	description := weather.Description(data.WeatherCode)
	if strings.TrimSpace(template) == "" {
		return fmt.Sprintf(
			"Create a stylish outfit recommendation for %s weather, with temperatures between %s°C and %s°C. "+
				"The image should show a complete, fashionable outfit suitable for these conditions.",
			strings.ToLower(description), trimFloat(data.TempMin), trimFloat(data.TempMax))
	}

	var parts []string
	if rain := weather.RainBand(data); rain != "" {
		parts = append(parts, conditionWords[rain])
	}
	parts = append(parts, conditionWords[weather.TempBand(data)])

	return strings.NewReplacer(
		"{weather_description}", description,
		"{temperature}", fmt.Sprintf("%s°C - %s°C", trimFloat(data.TempMin), trimFloat(data.TempMax)),
		"{conditions}", strings.Join(parts, "、"),
	).Replace(template)
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.1f", v), "0"), ".")
}
