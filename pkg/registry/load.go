package registry

import (
	"fmt"
	"log/slog"

	"botfleet/pkg/platform"
	"botfleet/pkg/platform/line"
	"botfleet/pkg/platform/telegram"
	"botfleet/pkg/tenant"
)

// Store yields tenant definitions at startup. Per-definition decode errors
// are returned alongside the definitions that did load.
type Store interface {
	LoadAll() ([]tenant.Config, []error, error)
}

// LoadReport summarizes a startup load.
type LoadReport struct {
	Registered []string
	Skipped    []error
	Legacy     bool
}

// Load registers every definition from store, then the legacy definition
// when present. A failing tenant is skipped and reported; only a store-level
// failure aborts the load.
func Load(r *Registry, store Store, legacy func() (tenant.Config, bool)) (LoadReport, error) {
	var report LoadReport

	configs, decodeErrs, err := store.LoadAll()
	if err != nil {
		return report, fmt.Errorf("load tenant configs: %w", err)
	}
	report.Skipped = append(report.Skipped, decodeErrs...)

	declared := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		declared[cfg.ID] = struct{}{}
		if err := r.Register(cfg); err != nil {
			r.log.Error("Skipping tenant", "tenant", cfg.ID, "source", cfg.Source, "error", err)
			report.Skipped = append(report.Skipped, err)
			continue
		}
		report.Registered = append(report.Registered, cfg.ID)
	}

	if legacy != nil {
		if cfg, ok := legacy(); ok {
			added, err := r.SynthesizeLegacy(cfg, declared)
			switch {
			case err != nil:
				r.log.Error("Skipping legacy tenant", "tenant", cfg.ID, "error", err)
				report.Skipped = append(report.Skipped, err)
			case added:
				r.log.Info("Legacy tenant synthesized from environment", "tenant", cfg.ID, "path", cfg.WebhookPath)
				report.Registered = append(report.Registered, cfg.ID)
				report.Legacy = true
			}
		}
	}

	for _, err := range decodeErrs {
		r.log.Error("Skipping unreadable tenant definition", "error", err)
	}

	return report, nil
}

// DefaultClientFactory builds LINE or Telegram clients from tenant config.
func DefaultClientFactory(opts line.Options, log *slog.Logger) ClientFactory {
	return func(cfg tenant.Config) (platform.Client, error) {
		switch cfg.Platform {
		case tenant.PlatformLINE, "":
			return line.New(cfg.Credentials, line.Options{RequestTimeout: opts.RequestTimeout, Logger: log})
		case tenant.PlatformTelegram:
			return telegram.New(cfg, log)
		default:
			return nil, fmt.Errorf("%w: %s", tenant.ErrUnknownPlatform, cfg.Platform)
		}
	}
}
