// Package weather fetches daily forecasts from Open-Meteo and renders them
// for chat messages and outfit prompts.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"botfleet/pkg/tenant"
)

const (
	DefaultBaseURL  = "https://api.open-meteo.com/v1/forecast"
	DefaultTimezone = "Asia/Taipei"
	defaultTimeout  = 10 * time.Second
	forecastDays    = 7
)

// DefaultLocation is used when neither the subscriber nor the tenant has one.
var DefaultLocation = tenant.Location{Latitude: 25.01, Longitude: 121.46, Name: "Taipei, Taiwan"}

// ErrNoForecast is returned when the upstream answered without daily data.
var ErrNoForecast = errors.New("no forecast data")

// Data is today's forecast at one location.
type Data struct {
	Date          string          `json:"date"`
	TempMax       float64         `json:"temp_max"`
	TempMin       float64         `json:"temp_min"`
	Precipitation float64         `json:"precipitation"`
	WeatherCode   int             `json:"weather_code"`
	Sunrise       string          `json:"sunrise,omitempty"`
	Sunset        string          `json:"sunset,omitempty"`
	Timezone      string          `json:"timezone"`
	Location      tenant.Location `json:"location"`
}

// Fetcher returns today's forecast for a location.
type Fetcher interface {
	Fetch(ctx context.Context, loc tenant.Location) (Data, error)
}

// Options configures an OpenMeteo client.
type Options struct {
	BaseURL    string
	Timezone   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenMeteo is a Fetcher backed by the public Open-Meteo forecast API.
type OpenMeteo struct {
	baseURL  string
	timezone string
	http     *http.Client
	log      *slog.Logger
}

func NewOpenMeteo(opts Options) *OpenMeteo {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	tz := strings.TrimSpace(opts.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &OpenMeteo{baseURL: base, timezone: tz, http: client, log: log.With("component", "weather.openmeteo")}
}

type forecastResponse struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Daily     *struct {
		Time          []string  `json:"time"`
		TempMax       []float64 `json:"temperature_2m_max"`
		TempMin       []float64 `json:"temperature_2m_min"`
		Precipitation []float64 `json:"precipitation_sum"`
		WeatherCode   []int     `json:"weathercode"`
		Sunrise       []string  `json:"sunrise"`
		Sunset        []string  `json:"sunset"`
	} `json:"daily"`
}

// Fetch requests a seven day forecast and returns the first day.
func (o *OpenMeteo) Fetch(ctx context.Context, loc tenant.Location) (Data, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_sum,weathercode,sunrise,sunset")
	q.Set("timezone", o.timezone)
	q.Set("forecast_days", strconv.Itoa(forecastDays))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return Data{}, fmt.Errorf("build forecast request: %w", err)
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return Data{}, fmt.Errorf("fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Data{}, fmt.Errorf("fetch forecast: status %d", resp.StatusCode)
	}

	var body forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Data{}, fmt.Errorf("decode forecast: %w", err)
	}
	d := body.Daily
	if d == nil || len(d.Time) == 0 || len(d.TempMax) == 0 || len(d.TempMin) == 0 {
		return Data{}, ErrNoForecast
	}

	data := Data{
		Date:     d.Time[0],
		TempMax:  d.TempMax[0],
		TempMin:  d.TempMin[0],
		Timezone: body.Timezone,
		Location: loc,
	}
	if len(d.Precipitation) > 0 {
		data.Precipitation = d.Precipitation[0]
	}
	if len(d.WeatherCode) > 0 {
		data.WeatherCode = d.WeatherCode[0]
	}
	if len(d.Sunrise) > 0 {
		data.Sunrise = d.Sunrise[0]
	}
	if len(d.Sunset) > 0 {
		data.Sunset = d.Sunset[0]
	}
	if data.Location.Name == "" {
		data.Location.Name = LocationName(loc.Latitude, loc.Longitude)
	}

	o.log.Debug("Forecast fetched", "lat", loc.Latitude, "lng", loc.Longitude, "date", data.Date)
	return data, nil
}

var descriptions = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Slight snow",
	73: "Moderate snow",
	75: "Heavy snow",
	77: "Snow grains",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Slight snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

// Description returns the WMO weather code in words.
func Description(code int) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "Unknown weather condition"
}

// Emoji returns a symbol for the WMO weather code.
func Emoji(code int) string {
	switch code {
	case 0:
		return "☀️"
	case 1:
		return "🌤️"
	case 2:
		return "⛅"
	case 3:
		return "☁️"
	case 45, 48:
		return "🌫️"
	case 51, 80:
		return "🌦️"
	case 53, 55, 61, 63, 65, 81:
		return "🌧️"
	case 71, 85:
		return "🌨️"
	case 73, 75, 77, 86:
		return "❄️"
	case 82, 95, 96, 99:
		return "⛈️"
	default:
		return "🌡️"
	}
}

// Summary renders the forecast for a chat message.
func Summary(d Data) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", Emoji(d.WeatherCode), Description(d.WeatherCode))
	date := d.Date
	if date == "" {
		date = "Today"
	}
	fmt.Fprintf(&b, "📅 Date: %s\n", date)
	fmt.Fprintf(&b, "🌡️ Temperature: %s°C - %s°C\n", formatTemp(d.TempMin), formatTemp(d.TempMax))
	if d.Precipitation > 0 {
		fmt.Fprintf(&b, "💧 Precipitation: %s mm\n", formatTemp(d.Precipitation))
	}
	return b.String()
}

// TempBand classifies the day's mean temperature.
func TempBand(d Data) string {
	avg := (d.TempMax + d.TempMin) / 2
	switch {
	case avg < 10:
		return "cold"
	case avg < 18:
		return "cool"
	case avg < 25:
		return "mild"
	case avg < 30:
		return "warm"
	default:
		return "hot"
	}
}

// RainBand classifies precipitation; "" means dry.
func RainBand(d Data) string {
	switch {
	case d.Precipitation > 10:
		return "heavy"
	case d.Precipitation > 5:
		return "moderate"
	case d.Precipitation > 0:
		return "light"
	default:
		return ""
	}
}

var tempContext = map[string]string{
	"cold": "cold weather (below 10°C)",
	"cool": "cool weather (10-18°C)",
	"mild": "mild weather (18-25°C)",
	"warm": "warm weather (25-30°C)",
	"hot":  "hot weather (above 30°C)",
}

var rainContext = map[string]string{
	"heavy":    ", heavy rain expected",
	"moderate": ", moderate rain expected",
	"light":    ", light rain possible",
}

// OutfitContext describes the conditions for an outfit prompt.
func OutfitContext(d Data) string {
	return tempContext[TempBand(d)] + ", " + strings.ToLower(Description(d.WeatherCode)) + rainContext[RainBand(d)]
}

// LocationName names coordinates without a geocoder.
func LocationName(lat, lng float64) string {
	if math.Abs(lat-DefaultLocation.Latitude) < 0.1 && math.Abs(lng-DefaultLocation.Longitude) < 0.1 {
		return DefaultLocation.Name
	}
	return fmt.Sprintf("Location (%.2f, %.2f)", lat, lng)
}

func formatTemp(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ResolveLocation picks the saved location, then the tenant default, then
// DefaultLocation. Unnamed locations get a coordinate name.
func ResolveLocation(saved, tenantDefault *tenant.Location) tenant.Location {
	switch {
	case saved != nil:
		loc := *saved
		if loc.Name == "" {
			loc.Name = LocationName(loc.Latitude, loc.Longitude)
		}
		return loc
	case tenantDefault != nil:
		loc := *tenantDefault
		if loc.Name == "" {
			loc.Name = LocationName(loc.Latitude, loc.Longitude) + " (default)"
		}
		return loc
	default:
		loc := DefaultLocation
		loc.Name += " (default)"
		return loc
	}
}
