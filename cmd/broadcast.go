package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"botfleet/pkg/broadcast"
	"botfleet/pkg/ui/report"
)

var broadcastFlags struct {
	tenant    string
	recipient string
	delay     time.Duration
	timeout   time.Duration
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Run or inspect tenant broadcasts",
}

var broadcastRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send today's post to every subscriber of a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireTenantFlag(); err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			opts := broadcast.Options{}
			if cmd.Flags().Changed("delay") {
				opts.Delay = broadcast.Delay(broadcastFlags.delay)
			}
			result, err := a.engine.Run(ctx, broadcastFlags.tenant, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.BroadcastResult(result))
			return nil
		})
	},
}

var broadcastTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send today's post to a single recipient",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireTenantFlag(); err != nil {
			return err
		}
		if strings.TrimSpace(broadcastFlags.recipient) == "" {
			return errors.New("--recipient is required")
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			result, err := a.engine.Run(ctx, broadcastFlags.tenant, broadcast.Options{TestRecipient: broadcastFlags.recipient})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.BroadcastResult(result))
			return nil
		})
	},
}

var broadcastStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show subscriber counts for a tenant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := requireTenantFlag(); err != nil {
			return err
		}
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			status, err := a.engine.Status(ctx, broadcastFlags.tenant)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.BroadcastStatus(status))
			return nil
		})
	},
}

func init() {
	pf := broadcastCmd.PersistentFlags()
	pf.StringVar(&broadcastFlags.tenant, "tenant", "", "tenant id")
	pf.DurationVar(&broadcastFlags.timeout, "timeout", 0, "abort after this long (0 waits indefinitely)")
	broadcastRunCmd.Flags().DurationVar(&broadcastFlags.delay, "delay", 0, "pause between subscribers (default BOTFLEET_BROADCAST_DELAY)")
	broadcastTestCmd.Flags().StringVar(&broadcastFlags.recipient, "recipient", "", "platform user id to send to")

	broadcastCmd.AddCommand(broadcastRunCmd, broadcastTestCmd, broadcastStatusCmd)
	rootCmd.AddCommand(broadcastCmd)
}

func requireTenantFlag() error {
	if strings.TrimSpace(broadcastFlags.tenant) == "" {
		return errors.New("--tenant is required")
	}
	if broadcastFlags.delay < 0 {
		return errors.New("--delay must not be negative")
	}
	return nil
}

// withApp builds the service for a one-shot command. An interrupt cancels
// the run between subscribers.
func withApp(parent context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, appLogger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := withTimeout(ctx, broadcastFlags.timeout)
	defer cancel()

	a, err := buildApp(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
