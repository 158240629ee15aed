package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surelaces/posync/internal/config"
	"github.com/surelaces/posync/internal/daemon"
	"github.com/surelaces/posync/internal/dashboard"
	"github.com/surelaces/posync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync",
	Long: `Run the background sync loop in the foreground.

The daemon watches connectivity to the backend. When the link comes back and
stays up for the settle delay, pending invoices are uploaded. While online a
full incremental sync runs every sync interval. Logging in or out from
another terminal is picked up from the credentials file.

Unless --no-dashboard is given, a WebSocket feed of sync progress, network
status and new invoices is served on 127.0.0.1 (see --port).

Changes to sync.interval in the config file apply without a restart.`,
	Run: func(cmd *cobra.Command, args []string) {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		port, _ := cmd.Flags().GetInt("port")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := mustOpenApp(ctx)
		defer a.Close()

		var handler *dashboard.Handler
		if !noDashboard {
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Dashboard.Port
			}
			server := dashboard.NewServer(&dashboard.Config{
				Port:   port,
				Logger: a.sink.Logger("dashboard"),
			})
			handler = dashboard.NewHandler(server, a.engine, a.sink.Logger("dashboard"))
			if err := server.Start(); err != nil {
				a.Close()
				fatal("%v", err)
			}
			defer server.Stop()
			a.orch.Subscribe(handler.OnState)
			go handler.WatchInvoices(ctx, a.invoices, 2*time.Second)
			fmt.Printf("%s Dashboard on ws://%s/ws\n", ui.RenderAccent("📡"), server.GetAddr())
		}

		cfg := &daemon.Config{
			SyncInterval:    a.cfg.Sync.Interval,
			SettleDelay:     a.cfg.Sync.SettleDelay,
			ProbeInterval:   a.cfg.Network.ProbeInterval,
			CredentialsPath: a.cfg.Session.CredentialsFile,
			Logger:          a.sink.Logger("daemon"),
			OnNetworkChange: func(online bool) {
				if handler != nil {
					handler.OnNetwork(online)
				}
				if !jsonOutput {
					label := ui.RenderWarn("offline")
					if online {
						label = ui.RenderPass("online")
					}
					fmt.Printf("%s %s\n", time.Now().Format("15:04:05"), label)
				}
			},
			OnSyncDone: func(trigger string, err error) {
				if jsonOutput {
					return
				}
				if err != nil {
					fmt.Printf("%s %s sync (%s): %v\n", time.Now().Format("15:04:05"), ui.RenderWarn("⚠"), trigger, err)
					return
				}
				fmt.Printf("%s %s sync (%s), %d pending\n", time.Now().Format("15:04:05"), ui.RenderPass("✓"), trigger, a.invoices.PendingCount(ctx))
			},
		}
		prober := daemon.TCPProber{Addr: a.client.Host(), Timeout: 3 * time.Second}
		d, err := daemon.New(a.orch, a.invoices, a.sessions, prober, cfg)
		if err != nil {
			a.Close()
			fatal("%v", err)
		}

		a.loader.Watch(func(c *config.Config) {
			d.SetSyncInterval(c.Sync.Interval)
		}, func(err error) {
			fmt.Fprintf(os.Stderr, "Warning: config reload: %v\n", err)
		})

		fmt.Printf("%s Daemon running (backend %s, sync every %v)\n", ui.RenderAccent("🔄"), prober.Addr, cfg.SyncInterval)
		if err := d.Start(ctx); err != nil && err != context.Canceled {
			a.Close()
			fatal("%v", err)
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not serve the WebSocket dashboard")
	daemonCmd.Flags().Int("port", 8787, "Dashboard port")
	rootCmd.AddCommand(daemonCmd)
}
