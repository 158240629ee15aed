package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/surelaces/posync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Log in and download the catalog",
	Long: `Log in to the store backend.

On a terminal the email and password are prompted for. Otherwise pass --email
and pipe the password with --password-stdin. A successful login runs the
initial sync: the product catalog is downloaded, pending invoices are
uploaded and the invoice history is merged.

The session lasts seven days from login; access tokens are refreshed
automatically inside that window.`,
	Run: func(cmd *cobra.Command, args []string) {
		email, _ := cmd.Flags().GetString("email")
		passwordStdin, _ := cmd.Flags().GetBool("password-stdin")
		skipSync, _ := cmd.Flags().GetBool("no-sync")

		var password string
		switch {
		case passwordStdin:
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				fatal("reading password: %v", err)
			}
			password = strings.TrimRight(line, "\r\n")
		case ui.IsTerminal(os.Stdin):
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().Title("Email").Value(&email),
				huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password),
			))
			if err := form.Run(); err != nil {
				fatal("%v", err)
			}
		default:
			fatal("no terminal; use --email and --password-stdin")
		}
		if email == "" || password == "" {
			fatal("email and password are required")
		}

		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		user, err := a.sessions.Login(ctx, email, password)
		if err != nil {
			a.Close()
			fatal("%v", err)
		}

		if !jsonOutput {
			fmt.Printf("%s Logged in as %s (%s)\n", ui.RenderPass("✓"), user.DisplayName(), user.Role)
		}
		if skipSync {
			if jsonOutput {
				outputJSON(user)
			}
			return
		}

		if !jsonOutput {
			fmt.Printf("%s Running initial sync...\n", ui.RenderAccent("🔄"))
			a.orch.Subscribe(progressPrinter())
		}
		syncErr := a.orch.InitialSync(ctx)
		stats := a.engine.Stats(ctx)

		if jsonOutput {
			out := map[string]interface{}{"user": user, "stats": stats}
			if syncErr != nil {
				out["sync_error"] = syncErr.Error()
			}
			outputJSON(out)
			return
		}
		if syncErr != nil {
			fmt.Printf("%s Initial sync incomplete: %v\n", ui.RenderWarn("⚠"), syncErr)
			fmt.Printf("   Run 'pos sync' when the connection is back\n")
			return
		}
		fmt.Printf("%s Ready: %d products, %d invoices\n", ui.RenderPass("✓"), stats.Products, stats.Invoices)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Log out and clear local data",
	Long: `Remove the stored session and clear the local database.

Invoices that were never uploaded would be lost, so logout refuses while any
are pending unless --force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		if n := a.invoices.PendingCount(ctx); n > 0 && !force {
			a.Close()
			fatal("%d invoice(s) not synced yet; run 'pos sync' first or use --force", n)
		}

		if err := a.sessions.Logout(ctx); err != nil {
			a.Close()
			fatal("%v", err)
		}
		if err := a.engine.ClearAllData(ctx); err != nil {
			a.Close()
			fatal("clearing local data: %v", err)
		}
		if jsonOutput {
			outputJSON(map[string]bool{"logged_out": true})
			return
		}
		fmt.Printf("%s Logged out\n", ui.RenderPass("✓"))
	},
}

func init() {
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().Bool("password-stdin", false, "Read the password from stdin")
	loginCmd.Flags().Bool("no-sync", false, "Skip the initial sync")
	logoutCmd.Flags().Bool("force", false, "Log out even with unsynced invoices")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
