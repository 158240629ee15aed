package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surelaces/posync/internal/sync"
	"github.com/surelaces/posync/internal/ui"
)

// progressPrinter prints each new progress message once.
func progressPrinter() sync.Subscriber {
	last := ""
	return func(s sync.State) {
		if !s.IsSyncing || s.Progress.Message == "" || s.Progress.Message == last {
			return
		}
		last = s.Progress.Message
		fmt.Printf("   %s %s\n", ui.RenderMuted("["+string(s.Progress.Stage)+"]"), s.Progress.Message)
	}
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Upload pending invoices and refresh products and invoices",
	Long: `Run a sync cycle against the backend.

By default this pushes pending invoices, then refreshes the product catalog
and merges the invoice history. Each step runs even if an earlier one fails.

  --push      only upload pending invoices
  --products  only refresh the product catalog
  --invoices  only merge the invoice history
  --initial   full catalog replacement first, as after login`,
	Run: func(cmd *cobra.Command, args []string) {
		pushOnly, _ := cmd.Flags().GetBool("push")
		productsOnly, _ := cmd.Flags().GetBool("products")
		invoicesOnly, _ := cmd.Flags().GetBool("invoices")
		initial, _ := cmd.Flags().GetBool("initial")

		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()
		a.requireUser(ctx)

		if !jsonOutput {
			a.orch.Subscribe(progressPrinter())
			fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.cfg.API.BaseURL)
		}

		var err error
		switch {
		case pushOnly:
			err = a.orch.PushPendingInvoices(ctx)
		case productsOnly:
			_, err = a.orch.PullProducts(ctx)
		case invoicesOnly:
			_, err = a.orch.PullInvoices(ctx)
		case initial:
			err = a.orch.InitialSync(ctx)
		default:
			err = a.orch.StartSync(ctx)
		}

		state := a.orch.State()
		stats := a.engine.Stats(ctx)
		if jsonOutput {
			out := map[string]interface{}{"state": state, "stats": stats}
			if err != nil {
				out["error"] = err.Error()
			}
			outputJSON(out)
			if err != nil {
				a.Close()
				fatal("%v", err)
			}
			return
		}

		var partial *sync.PartialSyncError
		switch {
		case err == nil:
			fmt.Printf("%s Sync complete\n", ui.RenderPass("✓"))
		case errors.As(err, &partial):
			fmt.Printf("%s %d invoice(s) synced, %d rejected:\n", ui.RenderWarn("⚠"), partial.Synced, len(partial.Failures))
			for _, f := range partial.Failures {
				label := "will retry"
				if f.Permanent {
					label = "failed"
				}
				fmt.Printf("   %s %s (%s)\n", f.InvoiceNumber, f.Message(), label)
			}
		default:
			fmt.Printf("%s Sync finished with errors:\n   %v\n", ui.RenderFail("✗"), err)
		}
		fmt.Printf("   Products: %d\n", stats.Products)
		fmt.Printf("   Invoices: %d (%d pending)\n", stats.Invoices, stats.PendingInvoices)
		if err != nil {
			a.Close()
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().Bool("push", false, "Only upload pending invoices")
	syncCmd.Flags().Bool("products", false, "Only refresh products")
	syncCmd.Flags().Bool("invoices", false, "Only merge invoices")
	syncCmd.Flags().Bool("initial", false, "Run the post-login initial sync")
	syncCmd.MarkFlagsMutuallyExclusive("push", "products", "invoices", "initial")

	rootCmd.AddCommand(syncCmd)
}
