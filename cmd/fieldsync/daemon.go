package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contavoto/fieldsync/internal/daemon"
	"github.com/contavoto/fieldsync/internal/dashboard"
	"github.com/contavoto/fieldsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync continuously in the background",
	Long: `Run sync and upload passes automatically until interrupted.

A pass (sync, then the upload queue) runs:
  - at startup
  - when the device comes back online (connectivity.probe_url)
  - every sync.interval
  - shortly after another process writes to the store

With --dashboard the WebSocket dashboard is served as well.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		return runDaemon(cmd, withDashboard)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the daemon with its real-time WebSocket dashboard",
	Long: `Start the sync daemon together with a WebSocket dashboard.

WebSocket messages include:
- pass_complete: a sync and upload pass finished
- stats: pending forms, surveys and uploads
- connectivity: the device came back online

Connect with a WebSocket client:
  ws://localhost:8787/ws`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, true)
	},
}

func runDaemon(cmd *cobra.Command, withDashboard bool) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Lock(); err != nil {
		return err
	}
	db, err := app.Store(ctx)
	if err != nil {
		return err
	}
	rem, err := app.Remote(ctx)
	if err != nil {
		return err
	}
	sig := app.Signal(ctx, true)

	orch := app.Orchestrator(db, rem, sig)
	defer orch.Wait()
	queue, err := app.Queue(db, rem, sig)
	if err != nil {
		return err
	}

	config := daemon.DefaultConfig()
	config.SyncInterval = app.Config.Sync.Interval
	config.Logger = app.Logs.Logger("daemon")

	out := cmd.OutOrStdout()
	if withDashboard {
		port := app.Config.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		server := dashboard.NewServer(&dashboard.Config{
			Host:   app.Config.Dashboard.Host,
			Port:   port,
			Stats:  db.Stats,
			Logger: app.Logs.Logger("dashboard"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer server.Stop()

		handler := dashboard.NewHandler(server, sig, app.Logs.Logger("dashboard"))
		defer handler.Subscribe()()
		config.OnPass = handler.OnPass

		fmt.Fprintf(out, "Dashboard: http://%s\n", server.GetAddr())
		fmt.Fprintf(out, "WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
	}

	d, err := daemon.New(db, orch, queue, sig, config)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	fmt.Fprintf(out, "%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
	fmt.Fprintf(out, "   Store: %s\n", db.Path())
	fmt.Fprintf(out, "   Remote: %s %s\n", app.Config.Remote.Kind, app.Config.Remote.URL)
	fmt.Fprintf(out, "   Device: %s\n", app.Config.Device.ID)
	fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon stopped with error: %w", err)
	}
	if last := d.LastPass(); last != nil {
		fmt.Fprintf(out, "%s Daemon stopped after %d pass(es)\n", ui.RenderPass("✓"), d.Passes())
	}
	return nil
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Also serve the WebSocket dashboard")
	daemonCmd.Flags().IntP("port", "p", 8787, "Dashboard port (with --dashboard)")
	dashboardCmd.Flags().IntP("port", "p", 8787, "Port to listen on")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}

// interruptContext is used by long-running commands without a daemon.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
