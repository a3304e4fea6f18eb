package tenant

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		input string
		want  Kind
		ok    bool
	}{
		{input: "", want: KindRestaurant, ok: true},
		{input: "restaurant", want: KindRestaurant, ok: true},
		{input: " Weather ", want: KindWeather, ok: true},
		{input: "horoscope", want: Kind("horoscope"), ok: false},
	}

	for _, tt := range tests {
		got, ok := ParseKind(tt.input)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("ParseKind(%q) = (%q, %v), want (%q, %v)", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}

func TestKindBroadcastable(t *testing.T) {
	if KindRestaurant.Broadcastable() {
		t.Fatal("restaurant tenants must not be broadcastable")
	}
	if !KindWeather.Broadcastable() {
		t.Fatal("weather tenants must be broadcastable")
	}
}

func TestCredentialsNeverPrintSecrets(t *testing.T) {
	creds := Credentials{AccessToken: "tok-123456", Secret: "shh-secret"}

	for _, rendered := range []string{creds.String(), fmt.Sprint(creds), creds.LogValue().String()} {
		if strings.Contains(rendered, "tok-123456") || strings.Contains(rendered, "shh-secret") {
			t.Fatalf("rendered credentials leak secret material: %s", rendered)
		}
	}
}

func TestCredentialsEmpty(t *testing.T) {
	if !(Credentials{AccessToken: "a"}).Empty() {
		t.Fatal("missing secret should be empty")
	}
	if !(Credentials{Secret: "b"}).Empty() {
		t.Fatal("missing token should be empty")
	}
	if (Credentials{AccessToken: "a", Secret: "b"}).Empty() {
		t.Fatal("complete pair should not be empty")
	}
}

func TestConfigErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("register: %w", NewConfigError("alpha", CodeDuplicatePath, "/hook/alpha"))

	if !errors.Is(err, ErrDuplicatePath) {
		t.Fatal("expected errors.Is to match ErrDuplicatePath")
	}
	if errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatal("did not expect ErrDuplicateIdentifier match")
	}
	if got := CodeFromError(err); got != CodeDuplicatePath {
		t.Fatalf("CodeFromError = %q, want %q", got, CodeDuplicatePath)
	}
}

func TestFeatureAccessors(t *testing.T) {
	cfg := Config{Features: map[string]string{"use_ai_parsing": "yes", "default_radius": "1500", "broken": "x"}}

	if !cfg.FeatureBool("use_ai_parsing", false) {
		t.Fatal("use_ai_parsing = false, want true")
	}
	if got := cfg.FeatureInt("default_radius", 1000); got != 1500 {
		t.Fatalf("default_radius = %d, want 1500", got)
	}
	if got := cfg.FeatureInt("broken", 7); got != 7 {
		t.Fatalf("broken = %d, want fallback 7", got)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"hook/alpha":     "/hook/alpha",
		"/hook/alpha/":   "/hook/alpha",
		" /line/webhook": "/line/webhook",
		"/":              "/",
	}
	for input, want := range tests {
		if got := NormalizePath(input); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", input, got, want)
		}
	}
}
