package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"botfleet/pkg/broadcast"
	"botfleet/pkg/bus"
	"botfleet/pkg/config"
	"botfleet/pkg/dedup"
	"botfleet/pkg/delivery"
	"botfleet/pkg/dispatch"
	"botfleet/pkg/generator"
	"botfleet/pkg/handler"
	"botfleet/pkg/imagestore"
	"botfleet/pkg/logger"
	"botfleet/pkg/metrics"
	"botfleet/pkg/places"
	"botfleet/pkg/platform/line"
	"botfleet/pkg/provider"
	"botfleet/pkg/registry"
	"botfleet/pkg/subscriber"
	"botfleet/pkg/tenant"
	"botfleet/pkg/weather"
)

// app is the fully wired service. Commands build one and use the parts
// they need.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	bus        *bus.Bus
	registry   *registry.Registry
	loadReport registry.LoadReport
	store      *subscriber.Store
	dispatcher *dispatch.Dispatcher
	engine     *broadcast.Engine
	imageDir   string

	closers []func() error
}

// loadConfigAndLogger reads configuration and installs the default logger.
func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	return cfg, appLogger, nil
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, bus: bus.New()}
	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promReg)

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := subscriber.Open(ctx, cfg.DBPath, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	deliverer := delivery.New(delivery.Options{
		RatePerSecond: cfg.Broadcast.OutboundRPS,
		Metrics:       a.metrics,
		Logger:        log,
	})
	fetcher := weather.NewOpenMeteo(weather.Options{Logger: log})

	var (
		completer provider.Completer
		images    generator.ImageGenerator
	)
	client, err := provider.New(cfg.OpenAI)
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		log.Warn("OpenAI is not configured; AI parsing and outfit images are disabled")
	case err != nil:
		return nil, fmt.Errorf("initialize model provider: %w", err)
	default:
		completer, images = client, client
	}

	var searcher handler.PlaceSearcher
	google, err := places.New(places.Options{APIKey: cfg.Places.APIKey, Logger: log})
	switch {
	case errors.Is(err, places.ErrNotConfigured):
		log.Warn("Google Maps is not configured; restaurant search is disabled")
	case err != nil:
		return nil, fmt.Errorf("initialize places client: %w", err)
	default:
		searcher = google
	}

	hosting, err := imagestore.New(ctx, cfg.Images, cfg.Gateway.PublicURL, log)
	if err != nil {
		return nil, fmt.Errorf("initialize image store: %w", err)
	}
	if local, isLocal := hosting.(*imagestore.Local); isLocal {
		a.imageDir = local.Dir()
	}
	posts := generator.New(images, hosting, log)

	restaurant, err := handler.NewRestaurant(handler.RestaurantOptions{
		Deliverer: deliverer,
		Locations: store,
		Searcher:  searcher,
		Completer: completer,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	weatherHandler, err := handler.NewWeather(handler.WeatherOptions{
		Deliverer: deliverer,
		Locations: store,
		Fetcher:   fetcher,
		Posts:     posts,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	a.registry = registry.New(
		registry.Handlers{Restaurant: restaurant, Weather: weatherHandler},
		registry.DefaultClientFactory(line.Options{}, log),
		log,
	)
	legacy := func() (tenant.Config, bool) { return config.LegacyTenant(cfg.Legacy) }
	a.loadReport, err = registry.Load(a.registry, config.NewTenantStore(cfg.TenantsDir), legacy)
	if err != nil {
		return nil, err
	}
	a.metrics.SetTenantsRegistered(a.registry.Len())

	cache, err := newDedupCache(ctx, cfg.Dedup, a)
	if err != nil {
		return nil, err
	}
	a.dispatcher, err = dispatch.New(a.registry, cache, dispatch.Options{
		Subscribers: store,
		Events:      a.bus,
		Metrics:     a.metrics,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	a.engine, err = broadcast.New(broadcast.Config{
		Tenants:      a.registry,
		Subscribers:  store,
		Fetcher:      fetcher,
		Posts:        posts,
		Deliverer:    deliverer,
		Events:       a.bus,
		Metrics:      a.metrics,
		Logger:       log,
		DefaultDelay: cfg.Broadcast.Delay,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func newDedupCache(ctx context.Context, cfg config.DedupConfig, a *app) (dedup.Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return dedup.NewMemory(dedup.DefaultWindow), nil
	case "redis":
		client, err := dedup.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect dedup redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return dedup.NewRedis(client, dedup.DefaultWindow), nil
	default:
		return nil, fmt.Errorf("unknown dedup backend %q", cfg.Backend)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	a.bus.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) tenantsReady(context.Context) error {
	if a.registry.Len() == 0 {
		return errors.New("no tenants registered")
	}
	return nil
}

// withTimeout bounds one CLI operation when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
