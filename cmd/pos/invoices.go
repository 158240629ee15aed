package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/surelaces/posync/internal/store/repo"
	"github.com/surelaces/posync/internal/store/schema"
	"github.com/surelaces/posync/internal/sync"
	"github.com/surelaces/posync/internal/ui"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts a date, a duration such as "48h" meaning that long
// ago, or natural language such as "yesterday" or "last monday".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	r, err := timeParser.Parse(s, now)
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return r.Time, nil
}

// resolveInvoice finds an invoice by local ID or invoice number.
func (a *app) resolveInvoice(ctx context.Context, ref string) *schema.Invoice {
	if inv := a.invoices.GetByID(ctx, ref); inv != nil {
		return inv
	}
	if inv := a.invoices.GetByNumber(ctx, ref); inv != nil {
		return inv
	}
	a.Close()
	fatal("no invoice with id or number %q", ref)
	return nil
}

func printInvoices(invoices []schema.Invoice) {
	if jsonOutput {
		outputJSON(invoices)
		return
	}
	if len(invoices) == 0 {
		fmt.Println("No invoices found")
		return
	}
	rows := make([][]string, 0, len(invoices))
	for _, inv := range invoices {
		rows = append(rows, []string{
			inv.InvoiceNumber,
			inv.CreatedAt.Local().Format("2006-01-02 15:04"),
			inv.SalespersonName,
			strconv.Itoa(len(inv.Items)),
			inv.Total,
			ui.RenderStatus(string(inv.SyncStatus)),
		})
	}
	fmt.Println(ui.Table([]string{"NUMBER", "CREATED", "SALESPERSON", "ITEMS", "TOTAL", "STATUS"}, rows))
}

var invoicesCmd = &cobra.Command{
	Use:     "invoices",
	Aliases: []string{"invoice", "inv"},
	GroupID: "sell",
	Short:   "Browse local invoices",
}

var invoicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invoices, newest first",
	Long: `List invoices, newest first.

--since accepts a date ("2024-03-01"), a duration ("48h") or a phrase such
as "yesterday" or "last monday".`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		status, _ := cmd.Flags().GetString("status")
		mine, _ := cmd.Flags().GetBool("mine")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		var invoices []schema.Invoice
		switch {
		case since != "":
			t, err := parseSince(since, time.Now())
			if err != nil {
				a.Close()
				fatal("--since: %v", err)
			}
			invoices = a.invoices.GetSince(ctx, t)
		case status != "":
			invoices = a.invoices.GetByStatus(ctx, schema.SyncStatus(strings.ToUpper(status)))
		case mine:
			invoices = a.invoices.GetBySalesperson(ctx, a.requireUser(ctx).ID)
		default:
			invoices = a.invoices.GetAll(ctx, limit)
		}
		if limit > 0 && len(invoices) > limit {
			invoices = invoices[:limit]
		}
		printInvoices(invoices)
	},
}

var invoicesPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List invoices waiting to be uploaded",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		pending := a.invoices.GetPending(ctx)
		if jsonOutput {
			outputJSON(pending)
			return
		}
		printInvoices(pending)
		for _, inv := range pending {
			if inv.LastSyncError == "" {
				continue
			}
			fmt.Printf("%s %s: attempt %d: %s\n", ui.RenderWarn("⚠"), inv.InvoiceNumber, inv.SyncAttempts, inv.LastSyncError)
		}
		if failed := a.invoices.GetByStatus(ctx, schema.StatusFailed); len(failed) > 0 {
			fmt.Printf("%s %d invoice(s) FAILED; see 'pos invoices list --status failed'\n", ui.RenderFail("✗"), len(failed))
		}
	},
}

var invoicesShowCmd = &cobra.Command{
	Use:   "show <id|number>",
	Short: "Show one invoice with its items",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		inv := a.resolveInvoice(ctx, args[0])
		if jsonOutput {
			outputJSON(inv)
			return
		}
		synced := "-"
		if inv.SyncedAt != nil {
			synced = inv.SyncedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Println(ui.RenderBold(inv.InvoiceNumber))
		pairs := [][2]string{
			{"ID", inv.ID},
			{"Created", inv.CreatedAt.Local().Format("2006-01-02 15:04")},
			{"Salesperson", inv.SalespersonName},
			{"Store", inv.StoreName},
			{"Customer", strings.TrimSpace(inv.CustomerName + " " + inv.CustomerPhone + " " + inv.CustomerEmail)},
			{"Status", ui.RenderStatus(string(inv.SyncStatus))},
			{"Synced", synced},
		}
		if inv.LastSyncError != "" {
			pairs = append(pairs, [2]string{"Last error", inv.LastSyncError})
		}
		fmt.Println(ui.KeyValues(pairs))

		rows := make([][]string, 0, len(inv.Items))
		for _, item := range inv.Items {
			rows = append(rows, []string{item.ProductCode, item.ProductName, strconv.Itoa(item.Quantity), item.Price, item.Subtotal})
		}
		fmt.Println(ui.Table([]string{"CODE", "NAME", "QTY", "PRICE", "TOTAL"}, rows))
		fmt.Println(ui.KeyValues([][2]string{
			{"Subtotal", inv.Subtotal},
			{"Tax", inv.Tax},
			{"Discount", inv.Discount},
			{"Total", ui.RenderBold(inv.Total)},
		}))
		if inv.Notes != "" {
			fmt.Printf("\n%s\n", ui.RenderMuted(inv.Notes))
		}
	},
}

var invoicesRetryCmd = &cobra.Command{
	Use:   "retry [id|number]",
	Short: "Reset the retry budget of held or failed invoices and upload",
	Long: `Return an invoice to PENDING with a fresh retry budget, then push.

An invoice the backend rejects too often stays PENDING but is held back from
automatic uploads. FAILED invoices were rejected permanently. Use --all to
reset every held and failed invoice.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			fatal("give an invoice or --all")
		}

		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		var targets []schema.Invoice
		if all {
			for _, inv := range a.invoices.GetPending(ctx) {
				if inv.SyncAttempts > 0 {
					targets = append(targets, inv)
				}
			}
			targets = append(targets, a.invoices.GetByStatus(ctx, schema.StatusFailed)...)
		} else {
			targets = append(targets, *a.resolveInvoice(ctx, args[0]))
		}

		reset := 0
		for _, inv := range targets {
			err := a.invoices.ResetSyncAttempts(ctx, inv.ID)
			if errors.Is(err, repo.ErrSyncedImmutable) {
				fmt.Printf("%s %s is already synced\n", ui.RenderMuted("-"), inv.InvoiceNumber)
				continue
			}
			if err != nil {
				a.Close()
				fatal("%v", err)
			}
			reset++
		}
		if reset == 0 {
			if !jsonOutput {
				fmt.Println("Nothing to retry")
			}
			return
		}

		a.requireUser(ctx)
		err := a.orch.PushPendingInvoices(ctx)
		if jsonOutput {
			out := map[string]interface{}{"reset": reset, "pending": a.invoices.PendingCount(ctx)}
			if err != nil {
				out["error"] = err.Error()
			}
			outputJSON(out)
			return
		}
		var partial *sync.PartialSyncError
		switch {
		case err == nil:
			fmt.Printf("%s %d invoice(s) reset and uploaded\n", ui.RenderPass("✓"), reset)
		case errors.As(err, &partial):
			fmt.Printf("%s %d uploaded, still rejected: %s\n", ui.RenderWarn("⚠"), partial.Synced, strings.Join(partial.InvoiceNumbers(), ", "))
		default:
			fmt.Printf("%s %d invoice(s) reset; upload failed: %v\n", ui.RenderWarn("⚠"), reset, err)
		}
	},
}

var invoicesPurgeInvalidCmd = &cobra.Command{
	Use:   "purge-invalid",
	Short: "Delete pending invoices that can never sync",
	Long: `Validate every PENDING invoice and delete the ones that fail.

An invoice fails when its salesperson or a product reference is not a UUID,
when it has no items, or when an item has a bad quantity or price. Such
invoices are rejected by the backend on every attempt. Use --dry-run to list
them without deleting.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		invalid, err := a.invoices.PurgeInvalid(ctx, dryRun)
		if err != nil {
			a.Close()
			fatal("%v", err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"dryRun": dryRun, "invalid": invalid})
			return
		}
		if len(invalid) == 0 {
			fmt.Printf("%s No invalid pending invoices\n", ui.RenderPass("✓"))
			return
		}

		rows := make([][]string, 0, len(invalid))
		for _, bad := range invalid {
			rows = append(rows, []string{bad.InvoiceNumber, bad.Reason})
		}
		fmt.Println(ui.Table([]string{"NUMBER", "REASON"}, rows))
		if dryRun {
			fmt.Printf("%s %d invalid invoice(s) would be deleted\n", ui.RenderWarn("⚠"), len(invalid))
			return
		}
		fmt.Printf("%s %d invalid invoice(s) deleted\n", ui.RenderPass("✓"), len(invalid))
	},
}

func init() {
	invoicesListCmd.Flags().String("since", "", "Only invoices created at or after this time")
	invoicesListCmd.Flags().String("status", "", "Filter by sync status (pending, synced, failed)")
	invoicesListCmd.Flags().Bool("mine", false, "Only invoices by the logged-in salesperson")
	invoicesListCmd.Flags().Int("limit", 50, "Maximum number of invoices")
	invoicesRetryCmd.Flags().Bool("all", false, "Retry every held or failed invoice")
	invoicesPurgeInvalidCmd.Flags().Bool("dry-run", false, "List invalid invoices without deleting them")

	invoicesCmd.AddCommand(invoicesListCmd, invoicesPendingCmd, invoicesShowCmd, invoicesRetryCmd, invoicesPurgeInvalidCmd)
	rootCmd.AddCommand(invoicesCmd)
}
