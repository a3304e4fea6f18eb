package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"botfleet/pkg/logger"
	"botfleet/pkg/tenant"
)

const forecastBody = `{
  "latitude": 25.0,
  "longitude": 121.5,
  "timezone": "Asia/Taipei",
  "daily": {
    "time": ["2026-03-01", "2026-03-02"],
    "temperature_2m_max": [24.5, 26.0],
    "temperature_2m_min": [18.1, 19.0],
    "precipitation_sum": [6.2, 0],
    "weathercode": [63, 1],
    "sunrise": ["2026-03-01T06:15", "2026-03-02T06:14"],
    "sunset": ["2026-03-01T17:58", "2026-03-02T17:59"]
  }
}`

func TestFetchParsesFirstDay(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(forecastBody))
	}))
	defer srv.Close()

	f := NewOpenMeteo(Options{BaseURL: srv.URL, Logger: logger.Discard()})
	data, err := f.Fetch(context.Background(), tenant.Location{Latitude: 35.68, Longitude: 139.69, Name: "Tokyo"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if data.Date != "2026-03-01" || data.TempMax != 24.5 || data.TempMin != 18.1 {
		t.Fatalf("data = %+v", data)
	}
	if data.WeatherCode != 63 || data.Precipitation != 6.2 {
		t.Fatalf("code/precip = %d/%v", data.WeatherCode, data.Precipitation)
	}
	if data.Location.Name != "Tokyo" {
		t.Fatalf("location name = %q, want Tokyo", data.Location.Name)
	}
	for _, want := range []string{"latitude=35.68", "forecast_days=7", "timezone=Asia%2FTaipei"} {
		if !strings.Contains(gotQuery, want) {
			t.Fatalf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestFetchErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		is     error
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`},
		{name: "bad json", status: http.StatusOK, body: `{"daily":`},
		{name: "no daily", status: http.StatusOK, body: `{"latitude":1}`, is: ErrNoForecast},
		{name: "empty daily", status: http.StatusOK, body: `{"daily":{"time":[]}}`, is: ErrNoForecast},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewOpenMeteo(Options{BaseURL: srv.URL}).Fetch(context.Background(), DefaultLocation)
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Fatalf("err = %v, want %v", err, tc.is)
			}
		})
	}
}

func TestBands(t *testing.T) {
	cases := []struct {
		min, max, rain float64
		temp, wet      string
	}{
		{min: 2, max: 8, rain: 0, temp: "cold", wet: ""},
		{min: 10, max: 20, rain: 0.5, temp: "cool", wet: "light"},
		{min: 18, max: 18, rain: 5, temp: "mild", wet: "light"},
		{min: 22, max: 30, rain: 5.1, temp: "warm", wet: "moderate"},
		{min: 28, max: 34, rain: 12, temp: "hot", wet: "heavy"},
	}
	for _, tc := range cases {
		d := Data{TempMin: tc.min, TempMax: tc.max, Precipitation: tc.rain}
		if got := TempBand(d); got != tc.temp {
			t.Fatalf("TempBand(%v..%v) = %q, want %q", tc.min, tc.max, got, tc.temp)
		}
		if got := RainBand(d); got != tc.wet {
			t.Fatalf("RainBand(%v) = %q, want %q", tc.rain, got, tc.wet)
		}
	}
}

func TestOutfitContext(t *testing.T) {
	got := OutfitContext(Data{TempMin: 18.1, TempMax: 24.5, Precipitation: 6.2, WeatherCode: 63})
	want := "mild weather (18-25°C), moderate rain, moderate rain expected"
	if got != want {
		t.Fatalf("OutfitContext() = %q, want %q", got, want)
	}
}

func TestSummary(t *testing.T) {
	got := Summary(Data{Date: "2026-03-01", TempMin: 18.1, TempMax: 24.5, WeatherCode: 0})
	if !strings.Contains(got, "Clear sky") || !strings.Contains(got, "18.1°C - 24.5°C") {
		t.Fatalf("Summary() = %q", got)
	}
	if strings.Contains(got, "Precipitation") {
		t.Fatalf("dry summary mentions precipitation: %q", got)
	}

	wet := Summary(Data{Precipitation: 3})
	if !strings.Contains(wet, "Precipitation: 3 mm") || !strings.Contains(wet, "Date: Today") {
		t.Fatalf("Summary() = %q", wet)
	}
}

func TestDescriptionUnknownCode(t *testing.T) {
	if got := Description(42); got != "Unknown weather condition" {
		t.Fatalf("Description(42) = %q", got)
	}
	if got := Emoji(42); got != "🌡️" {
		t.Fatalf("Emoji(42) = %q", got)
	}
}

func TestLocationName(t *testing.T) {
	if got := LocationName(25.03, 121.5); got != "Taipei, Taiwan" {
		t.Fatalf("LocationName(taipei) = %q", got)
	}
	if got := LocationName(35.6812, 139.7671); got != "Location (35.68, 139.77)" {
		t.Fatalf("LocationName(tokyo) = %q", got)
	}
}

func TestResolveLocation(t *testing.T) {
	saved := &tenant.Location{Latitude: 22.63, Longitude: 120.30, Name: "Kaohsiung"}
	unnamed := &tenant.Location{Latitude: 35.68, Longitude: 139.69}

	cases := []struct {
		name         string
		saved, deflt *tenant.Location
		wantName     string
		wantLatitude float64
	}{
		{"saved wins", saved, unnamed, "Kaohsiung", 22.63},
		{"unnamed saved", unnamed, nil, "Location (35.68, 139.69)", 35.68},
		{"tenant default", nil, unnamed, "Location (35.68, 139.69) (default)", 35.68},
		{"service default", nil, nil, "Taipei, Taiwan (default)", DefaultLocation.Latitude},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveLocation(tc.saved, tc.deflt)
			if got.Name != tc.wantName || got.Latitude != tc.wantLatitude {
				t.Fatalf("ResolveLocation() = %+v, want name %q lat %v", got, tc.wantName, tc.wantLatitude)
			}
		})
	}
	if DefaultLocation.Name != "Taipei, Taiwan" {
		t.Fatalf("DefaultLocation mutated: %q", DefaultLocation.Name)
	}
}
