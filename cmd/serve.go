package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"botfleet/pkg/bus"
	"botfleet/pkg/bus/amqp"
	"botfleet/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway",
	Long:  "Runs the HTTP gateway that receives platform webhooks for every registered tenant and exposes the broadcast API.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, appLogger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		log := appLogger.With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(runCtx, cfg, appLogger)
		if err != nil {
			log.Error("Failed to initialize service", "error", err)
			return err
		}
		defer a.Close()
		logLoad(log, a)

		svc, err := gateway.NewService(gateway.Options{
			Config:      cfg.Gateway,
			Dispatcher:  a.dispatcher,
			Broadcaster: a.engine,
			Gatherer:    a.promReg,
			ImageDir:    a.imageDir,
			Logger:      appLogger,
		})
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}
		svc.RegisterCheck("subscribers", a.store.Ping)
		svc.RegisterCheck("tenants", a.tenantsReady)

		return runServices(runCtx, a, svc, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServices(ctx context.Context, a *app, svc *gateway.Service, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error {
		bus.Observe(gctx, a.bus, a.log)
		return nil
	})

	if url := a.cfg.Events.AMQPURL; url != "" {
		fwd, err := amqp.Dial(gctx, url, a.cfg.Events.AMQPExchange, a.log)
		if err != nil {
			// Event export is optional; the gateway keeps serving without it.
			log.Warn("AMQP export disabled", "error", err)
		} else {
			g.Go(func() error {
				defer fwd.Close()
				fwd.Run(gctx, a.bus)
				return nil
			})
		}
	}

	log.Info("Gateway started", "tenants", a.registry.Len(), "dedup", a.cfg.Dedup.Backend)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Gateway runtime failed", "error", err)
		return err
	}
	return nil
}

func logLoad(log *slog.Logger, a *app) {
	for _, err := range a.loadReport.Skipped {
		log.Warn("Tenant skipped", "error", err)
	}
	if a.loadReport.Legacy {
		log.Info("Legacy tenant synthesized from environment credentials")
	}
	if a.registry.Len() == 0 {
		log.Warn("No tenants registered; every webhook will return 404")
	}
}
