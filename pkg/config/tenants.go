package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"botfleet/pkg/tenant"
)

// LegacyTenantID is the identifier synthesized for single-tenant deployments.
const LegacyTenantID = "geodine-ai"

// LegacyWebhookPath is the routing path older single-tenant deployments use.
const LegacyWebhookPath = "/line/webhook"

// TenantFile is the on-disk YAML shape of one tenant definition.
type TenantFile struct {
	ID                  string         `yaml:"id"`
	Name                string         `yaml:"name"`
	Description         string         `yaml:"description"`
	Platform            string         `yaml:"platform"`
	Kind                string         `yaml:"kind"`
	WebhookPath         string         `yaml:"webhook_path"`
	AccessToken         string         `yaml:"access_token"`
	ChannelSecret       string         `yaml:"channel_secret"`
	Enabled             *bool          `yaml:"enabled"`
	Features            map[string]any `yaml:"features"`
	ImagePromptTemplate string         `yaml:"image_prompt_template"`
	DefaultLocation     *LocationFile  `yaml:"default_location"`
}

// LocationFile is the YAML shape of a default location.
type LocationFile struct {
	Lat  float64 `yaml:"lat"`
	Lng  float64 `yaml:"lng"`
	Name string  `yaml:"name"`
}

// TenantStore loads tenant definitions from a directory of YAML files.
type TenantStore struct {
	dir    string
	lookup func(string) (string, bool)
}

// NewTenantStore creates a store rooted at dir. An empty dir yields no tenants.
func NewTenantStore(dir string) *TenantStore {
	return &TenantStore{dir: dir, lookup: os.LookupEnv}
}

// LoadAll reads every *.yaml/*.yml file in lexical order. Files that cannot be
// decoded are reported through errs and skipped; they never abort the load.
func (s *TenantStore) LoadAll() ([]tenant.Config, []error, error) {
	if s == nil || strings.TrimSpace(s.dir) == "" {
		return nil, nil, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read tenants dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)

	configs := make([]tenant.Config, 0, len(names))
	var errs []error
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		cfg, err := s.loadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		configs = append(configs, cfg)
	}

	return configs, errs, nil
}

func (s *TenantStore) loadFile(path string) (tenant.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return tenant.Config{}, fmt.Errorf("read tenant file %s: %w", path, err)
	}

	var file TenantFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return tenant.Config{}, tenant.NewConfigError(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), tenant.CodeInvalidConfig, fmt.Sprintf("parse %s: %v", path, err))
	}

	cfg, err := s.toConfig(file)
	if err != nil {
		return tenant.Config{}, err
	}
	cfg.Source = path
	return cfg, nil
}

// ParseTenant decodes a single YAML document into a tenant definition.
func (s *TenantStore) ParseTenant(content []byte) (tenant.Config, error) {
	var file TenantFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return tenant.Config{}, tenant.NewConfigError("", tenant.CodeInvalidConfig, err.Error())
	}
	return s.toConfig(file)
}

func (s *TenantStore) toConfig(file TenantFile) (tenant.Config, error) {
	id := strings.TrimSpace(file.ID)
	if id == "" {
		return tenant.Config{}, tenant.NewConfigError("", tenant.CodeInvalidConfig, "id is required")
	}

	platform, ok := tenant.ParsePlatform(file.Platform)
	if !ok {
		return tenant.Config{}, tenant.NewConfigError(id, tenant.CodeUnknownPlatform, file.Platform)
	}

	// Kind is validated by the registry so the error surfaces at registration.
	kind, _ := tenant.ParseKind(file.Kind)

	path := tenant.NormalizePath(file.WebhookPath)
	if path == "" {
		path = tenant.DefaultWebhookPath(platform, id)
	}

	enabled := true
	if file.Enabled != nil {
		enabled = *file.Enabled
	}

	cfg := tenant.Config{
		ID:          id,
		Name:        strings.TrimSpace(file.Name),
		Description: strings.TrimSpace(file.Description),
		WebhookPath: path,
		Platform:    platform,
		Kind:        kind,
		Credentials: tenant.Credentials{
			AccessToken: s.expand(file.AccessToken),
			Secret:      s.expand(file.ChannelSecret),
		},
		Enabled:             enabled,
		Features:            stringifyFeatures(file.Features),
		ImagePromptTemplate: file.ImagePromptTemplate,
	}
	if cfg.Name == "" {
		cfg.Name = id
	}
	if file.DefaultLocation != nil {
		cfg.DefaultLocation = &tenant.Location{
			Latitude:  file.DefaultLocation.Lat,
			Longitude: file.DefaultLocation.Lng,
			Name:      file.DefaultLocation.Name,
		}
	}

	return cfg, nil
}

// expand replaces a whole-value ${VAR} reference with its environment value.
// Unset variables expand to the empty string so the registry reports missing
// credentials.
func (s *TenantStore) expand(value string) string {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value
	}
	name := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
	resolved, ok := s.lookup(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(resolved)
}

func stringifyFeatures(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			out[key] = v
		case bool:
			out[key] = strconv.FormatBool(v)
		case int:
			out[key] = strconv.Itoa(v)
		case float64:
			out[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}

// LegacyTenant synthesizes the single-tenant definition from legacy
// environment credentials. It reports false when either credential is absent.
func LegacyTenant(legacy LegacyConfig) (tenant.Config, bool) {
	creds := tenant.Credentials{
		AccessToken: strings.TrimSpace(legacy.AccessToken),
		Secret:      strings.TrimSpace(legacy.Secret),
	}
	if creds.Empty() {
		return tenant.Config{}, false
	}

	return tenant.Config{
		ID:          LegacyTenantID,
		Name:        "Geodine AI",
		Description: "Restaurant recommendation bot",
		WebhookPath: LegacyWebhookPath,
		Platform:    tenant.PlatformLINE,
		Kind:        tenant.KindRestaurant,
		Credentials: creds,
		Enabled:     true,
		Features: map[string]string{
			"use_ai_parsing":   strconv.FormatBool(legacy.UseAIParsing),
			"default_radius":   "1000",
			"default_language": "zh-TW",
		},
		Source: "env",
	}, true
}
