// Package places searches for food and drink near a location using the
// Google Places Nearby Search API.
package places

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"botfleet/pkg/handler"
)

const (
	DefaultBaseURL = "https://maps.googleapis.com/maps/api/place/nearbysearch/json"
	defaultTimeout = 10 * time.Second
	defaultRadius  = 1000
	placeType      = "restaurant"
	maxBodyBytes   = 2 << 20
)

// ErrNotConfigured means no API key is set; restaurant search stays off.
var ErrNotConfigured = errors.New("places api key not configured")

// Options configures a Google client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Google is a handler.PlaceSearcher.
type Google struct {
	key     string
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

func New(opts Options) (*Google, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, ErrNotConfigured
	}
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Google{key: key, baseURL: base, http: client, log: log.With("component", "places.google")}, nil
}

// Search returns places in the order the API ranked them.
func (g *Google) Search(ctx context.Context, q handler.Query) ([]handler.Place, error) {
	radius := q.Radius
	if radius <= 0 {
		radius = defaultRadius
	}
	v := url.Values{}
	v.Set("location", strconv.FormatFloat(q.Location.Latitude, 'f', -1, 64)+","+strconv.FormatFloat(q.Location.Longitude, 'f', -1, 64))
	v.Set("radius", strconv.Itoa(radius))
	v.Set("type", placeType)
	v.Set("key", g.key)
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		v.Set("keyword", kw)
	}
	if q.PriceLevel > 0 {
		level := strconv.Itoa(q.PriceLevel)
		v.Set("minprice", level)
		v.Set("maxprice", level)
	}
	if q.OpenNow {
		v.Set("opennow", "true")
	}
	if q.Language != "" {
		v.Set("language", q.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build places request: %w", err)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search places: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search places: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read places response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("decode places response: invalid json")
	}
	root := gjson.ParseBytes(body)

	switch status := root.Get("status").String(); status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, fmt.Errorf("search places: %s %s", status, root.Get("error_message").String())
	}

	results := root.Get("results").Array()
	out := make([]handler.Place, 0, len(results))
	for _, r := range results {
		out = append(out, handler.Place{
			Name:    r.Get("name").String(),
			Address: r.Get("vicinity").String(),
			Rating:  r.Get("rating").Float(),
			MapsURL: mapsURL(r.Get("name").String(), r.Get("place_id").String()),
			OpenNow: r.Get("opening_hours.open_now").Bool(),
		})
	}
	g.log.Debug("Places found", "keyword", q.Keyword, "radius", radius, "count", len(out))
	return out, nil
}

func mapsURL(name, placeID string) string {
	if placeID == "" {
		return ""
	}
	v := url.Values{}
	v.Set("api", "1")
	v.Set("query", name)
	v.Set("query_place_id", placeID)
	return "https://www.google.com/maps/search/?" + v.Encode()
}
