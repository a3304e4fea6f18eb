// Package registry maps tenant identifiers and routing paths to live bot
// instances.
//
// A Registry is populated single-threaded at startup and is read-only once
// the HTTP server starts, so lookups take no locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"botfleet/pkg/platform"
	"botfleet/pkg/tenant"
)

// MessageHandler runs a tenant's business logic for one inbound event.
type MessageHandler interface {
	Handle(ctx context.Context, event platform.InboundEvent, bot *BotInstance) error
}

// Handlers is the closed set of handler implementations, one per tenant kind.
type Handlers struct {
	Restaurant MessageHandler
	Weather    MessageHandler
}

func (h Handlers) forKind(kind tenant.Kind) (MessageHandler, bool) {
	switch kind {
	case tenant.KindRestaurant:
		return h.Restaurant, h.Restaurant != nil
	case tenant.KindWeather:
		return h.Weather, h.Weather != nil
	default:
		return nil, false
	}
}

// ClientFactory builds the platform client for a tenant.
type ClientFactory func(cfg tenant.Config) (platform.Client, error)

// BotInstance binds one tenant definition to its platform client and
// handler. It is never mutated after construction.
type BotInstance struct {
	config  tenant.Config
	client  platform.Client
	handler MessageHandler
}

// NewBotInstance assembles an instance directly. Production code goes
// through Registry.Register.
func NewBotInstance(cfg tenant.Config, client platform.Client, handler MessageHandler) *BotInstance {
	return &BotInstance{config: cfg, client: client, handler: handler}
}

func (b *BotInstance) ID() string              { return b.config.ID }
func (b *BotInstance) Config() tenant.Config   { return b.config }
func (b *BotInstance) Kind() tenant.Kind       { return b.config.Kind }
func (b *BotInstance) Client() platform.Client { return b.client }
func (b *BotInstance) Handler() MessageHandler { return b.handler }
func (b *BotInstance) WebhookPath() string     { return b.config.WebhookPath }
func (b *BotInstance) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", b.config.ID),
		slog.String("path", b.config.WebhookPath),
		slog.String("kind", string(b.config.Kind)),
		slog.String("platform", string(b.config.Platform)),
	)
}

// Registry is the tenant directory.
type Registry struct {
	handlers Handlers
	factory  ClientFactory
	log      *slog.Logger

	byID   map[string]*BotInstance
	byPath map[string]*BotInstance
	order  []*BotInstance

	// claimed ids and paths include disabled tenants so a disabled tenant
	// still blocks a conflicting registration.
	claimedIDs   map[string]struct{}
	claimedPaths map[string]string

	legacyDone bool
}

// New creates an empty registry.
func New(handlers Handlers, factory ClientFactory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		handlers:     handlers,
		factory:      factory,
		log:          log.With("component", "registry"),
		byID:         make(map[string]*BotInstance),
		byPath:       make(map[string]*BotInstance),
		claimedIDs:   make(map[string]struct{}),
		claimedPaths: make(map[string]string),
	}
}

// Register validates cfg and, for enabled tenants, builds its BotInstance.
// The first registration of an identifier or path wins; later conflicting
// registrations are rejected with a *tenant.ConfigError.
func (r *Registry) Register(cfg tenant.Config) error {
	if cfg.ID == "" {
		return tenant.NewConfigError("", tenant.CodeInvalidConfig, "id is required")
	}
	cfg.WebhookPath = tenant.NormalizePath(cfg.WebhookPath)
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = tenant.DefaultWebhookPath(cfg.Platform, cfg.ID)
	}

	if _, ok := r.claimedIDs[cfg.ID]; ok {
		return tenant.NewConfigError(cfg.ID, tenant.CodeDuplicateIdentifier, "identifier already registered")
	}
	if owner, ok := r.claimedPaths[cfg.WebhookPath]; ok {
		return tenant.NewConfigError(cfg.ID, tenant.CodeDuplicatePath, fmt.Sprintf("path %s already registered by %q", cfg.WebhookPath, owner))
	}
	if cfg.Enabled && cfg.Credentials.Empty() {
		return tenant.NewConfigError(cfg.ID, tenant.CodeMissingCredentials, "access token and secret are required")
	}
	handler, ok := r.handlers.forKind(cfg.Kind)
	if !ok {
		return tenant.NewConfigError(cfg.ID, tenant.CodeUnknownTenantKind, string(cfg.Kind))
	}

	if !cfg.Enabled {
		r.claim(cfg)
		r.log.Info("Tenant disabled", "tenant", cfg.ID, "path", cfg.WebhookPath)
		return nil
	}

	if r.factory == nil {
		return tenant.NewConfigError(cfg.ID, tenant.CodeInvalidConfig, "no platform client factory")
	}
	client, err := r.factory(cfg)
	if err != nil {
		code := tenant.CodeInvalidConfig
		if errors.Is(err, tenant.ErrUnknownPlatform) {
			code = tenant.CodeUnknownPlatform
		}
		return tenant.NewConfigError(cfg.ID, code, err.Error())
	}

	bot := NewBotInstance(cfg, client, handler)
	r.claim(cfg)
	r.byID[cfg.ID] = bot
	r.byPath[cfg.WebhookPath] = bot
	r.order = append(r.order, bot)

	r.log.Info("Tenant registered", "tenant", cfg.ID, "bot", bot)
	return nil
}

func (r *Registry) claim(cfg tenant.Config) {
	r.claimedIDs[cfg.ID] = struct{}{}
	r.claimedPaths[cfg.WebhookPath] = cfg.ID
}

// ResolveByID returns the enabled instance for id.
func (r *Registry) ResolveByID(id string) (*BotInstance, bool) {
	bot, ok := r.byID[id]
	return bot, ok
}

// ResolveByPath returns the enabled instance routed at path.
func (r *Registry) ResolveByPath(path string) (*BotInstance, bool) {
	bot, ok := r.byPath[tenant.NormalizePath(path)]
	return bot, ok
}

// ListEnabled returns enabled instances in registration order.
func (r *Registry) ListEnabled() []*BotInstance {
	return slices.Clone(r.order)
}

// Len returns the number of enabled instances.
func (r *Registry) Len() int {
	return len(r.order)
}

// SynthesizeLegacy registers the single-tenant fallback definition. It runs
// at most once per registry and does nothing when the identifier is already
// claimed or declared by explicit configuration.
func (r *Registry) SynthesizeLegacy(cfg tenant.Config, declared map[string]struct{}) (bool, error) {
	if r.legacyDone {
		return false, nil
	}
	r.legacyDone = true

	if _, ok := declared[cfg.ID]; ok {
		r.log.Info("Explicit tenant configuration overrides legacy credentials", "tenant", cfg.ID)
		return false, nil
	}
	if _, ok := r.claimedIDs[cfg.ID]; ok {
		return false, nil
	}
	if err := r.Register(cfg); err != nil {
		return false, err
	}
	return true, nil
}
