// Package tenant defines the immutable tenant definition shared by the
// registry, dispatcher, and broadcast engine.
package tenant

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Kind is the capability profile of a tenant. It selects the message handler
// and whether the tenant can be broadcast to.
type Kind string

const (
	// KindRestaurant is the search-oriented profile.
	KindRestaurant Kind = "restaurant"
	// KindWeather is the forecast-oriented profile.
	KindWeather Kind = "weather"
)

// ParseKind maps a configured kind string onto a known Kind. An empty value
// resolves to KindRestaurant to match historical tenant files.
func ParseKind(value string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(KindRestaurant):
		return KindRestaurant, true
	case string(KindWeather):
		return KindWeather, true
	default:
		return Kind(value), false
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindRestaurant || k == KindWeather
}

// Broadcastable reports whether scheduled content can be pushed for the kind.
func (k Kind) Broadcastable() bool {
	return k == KindWeather
}

// Platform is the messaging platform a tenant's credentials belong to.
type Platform string

const (
	PlatformLINE     Platform = "line"
	PlatformTelegram Platform = "telegram"
)

// ParsePlatform maps a configured platform string onto a known Platform.
// An empty value resolves to PlatformLINE.
func ParsePlatform(value string) (Platform, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(PlatformLINE):
		return PlatformLINE, true
	case string(PlatformTelegram):
		return PlatformTelegram, true
	default:
		return Platform(value), false
	}
}

// Credentials is the secret material for one tenant. AccessToken authenticates
// outbound calls; Secret verifies inbound webhooks.
type Credentials struct {
	AccessToken string
	Secret      string
}

// Empty reports whether either half of the pair is missing.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.AccessToken) == "" || strings.TrimSpace(c.Secret) == ""
}

func (c Credentials) String() string {
	return fmt.Sprintf("credentials(token=%s, secret=%s)", redact(c.AccessToken), redact(c.Secret))
}

// LogValue keeps secrets out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("access_token", redact(c.AccessToken)),
		slog.String("secret", redact(c.Secret)),
	)
}

func redact(value string) string {
	if value == "" {
		return "<empty>"
	}
	return "<redacted:" + strconv.Itoa(len(value)) + ">"
}

// Location is a latitude/longitude pair with an optional display name.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// Config is one tenant definition. It is immutable once loaded.
type Config struct {
	ID          string
	Name        string
	Description string
	WebhookPath string
	Platform    Platform
	Kind        Kind
	Credentials Credentials
	Enabled     bool

	// Features holds free-form option flags such as use_ai_parsing or
	// default_radius.
	Features map[string]string

	ImagePromptTemplate string
	DefaultLocation     *Location

	// Source names where the definition came from (a file path or "env").
	Source string
}

// Feature returns the raw feature value and whether it was set.
func (c Config) Feature(name string) (string, bool) {
	value, ok := c.Features[name]
	return value, ok
}

// FeatureBool interprets a feature flag as a boolean.
func (c Config) FeatureBool(name string, fallback bool) bool {
	value, ok := c.Features[name]
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// FeatureInt interprets a feature flag as an integer.
func (c Config) FeatureInt(name string, fallback int) int {
	value, ok := c.Features[name]
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// DefaultWebhookPath is the routing path used when a tenant file omits one.
func DefaultWebhookPath(platform Platform, id string) string {
	return "/" + string(platform) + "/" + id + "/webhook"
}

// NormalizePath trims whitespace and trailing slashes and guarantees a
// leading slash so paths compare consistently.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}
