package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/surelaces/posync/internal/store/repo"
	"github.com/surelaces/posync/internal/store/schema"
	"github.com/surelaces/posync/internal/ui"
)

func parseQuantity(args []string, i int) int {
	if len(args) <= i {
		return 1
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		fatal("invalid quantity %q", args[i])
	}
	return n
}

func cartSubtotal(lines []schema.CartLine) string {
	items := make([]schema.InvoiceItem, 0, len(lines))
	for _, l := range lines {
		if l.Product == nil {
			continue
		}
		items = append(items, schema.InvoiceItem{Price: l.Product.Price, Quantity: l.Quantity})
	}
	totals, err := schema.ComputeTotals(items, decimal.Zero, "")
	if err != nil {
		return "?"
	}
	return totals.Subtotal
}

func printCart(lines []schema.CartLine) {
	if jsonOutput {
		outputJSON(map[string]interface{}{"items": lines, "subtotal": cartSubtotal(lines)})
		return
	}
	if len(lines) == 0 {
		fmt.Println("Cart is empty")
		return
	}
	rows := make([][]string, 0, len(lines))
	units := 0
	for _, l := range lines {
		units += l.Quantity
		rows = append(rows, []string{l.Product.Code, l.Product.Name, strconv.Itoa(l.Quantity), l.Product.Price, l.LineTotal()})
	}
	fmt.Println(ui.Table([]string{"CODE", "NAME", "QTY", "PRICE", "TOTAL"}, rows))
	fmt.Printf("%d item(s), subtotal %s\n", units, ui.RenderBold(cartSubtotal(lines)))
}

var cartCmd = &cobra.Command{
	Use:     "cart",
	GroupID: "sell",
	Short:   "Manage the current cart",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()
		printCart(a.cart.GetCartItems(ctx))
	},
}

var cartAddCmd = &cobra.Command{
	Use:   "add <id|code> [qty]",
	Short: "Add a product to the cart",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		qty := parseQuantity(args, 1)
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		p := a.mustResolveProduct(ctx, args[0])
		if err := a.cart.AddItem(ctx, p.ID, qty); err != nil {
			a.Close()
			fatal("%v", err)
		}
		line := a.cart.GetCartItem(ctx, p.ID)
		if line == nil {
			a.Close()
			fatal("%s was added but could not be read back", p.Code)
		}
		if jsonOutput {
			outputJSON(line)
			return
		}
		fmt.Printf("%s %s x%d in cart\n", ui.RenderPass("✓"), p.Name, line.Quantity)
		if line.Quantity > p.Stock {
			fmt.Printf("%s only %d in stock\n", ui.RenderWarn("⚠"), p.Stock)
		}
	},
}

var cartSetCmd = &cobra.Command{
	Use:   "set <id|code> <qty>",
	Short: "Set the quantity of a cart line (0 removes it)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		qty := parseQuantity(args, 1)
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		p := a.mustResolveProduct(ctx, args[0])
		if err := a.cart.UpdateQuantity(ctx, p.ID, qty); err != nil {
			a.Close()
			fatal("%v", err)
		}
		printCart(a.cart.GetCartItems(ctx))
	},
}

var cartRemoveCmd = &cobra.Command{
	Use:     "remove <id|code>",
	Aliases: []string{"rm"},
	Short:   "Remove a product from the cart",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		p := a.mustResolveProduct(ctx, args[0])
		if err := a.cart.RemoveItem(ctx, p.ID); err != nil {
			a.Close()
			fatal("%v", err)
		}
		printCart(a.cart.GetCartItems(ctx))
	},
}

var cartClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the cart",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		if err := a.cart.ClearCart(ctx); err != nil {
			a.Close()
			fatal("%v", err)
		}
		if !jsonOutput {
			fmt.Printf("%s Cart cleared\n", ui.RenderPass("✓"))
		}
	},
}

var checkoutCmd = &cobra.Command{
	Use:     "checkout",
	GroupID: "sell",
	Short:   "Turn the cart into an invoice",
	Long: `Record the cart as a new invoice and empty the cart.

The invoice is stored locally as PENDING and uploaded on the next sync.
Use --sync to upload it right away when online.`,
	Run: func(cmd *cobra.Command, args []string) {
		discount, _ := cmd.Flags().GetString("discount")
		customer, _ := cmd.Flags().GetString("customer")
		phone, _ := cmd.Flags().GetString("phone")
		email, _ := cmd.Flags().GetString("email")
		notes, _ := cmd.Flags().GetString("notes")
		syncNow, _ := cmd.Flags().GetBool("sync")

		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()
		user := a.requireUser(ctx)
		taxRate, err := a.cfg.TaxRateDecimal()
		if err != nil {
			a.Close()
			fatal("%v", err)
		}

		inv, err := a.invoices.Checkout(ctx, repo.CheckoutRequest{
			Salesperson:     user.ID,
			SalespersonName: user.DisplayName(),
			StoreName:       user.StoreName,
			TaxRate:         taxRate,
			Discount:        discount,
			CustomerName:    customer,
			CustomerPhone:   phone,
			CustomerEmail:   email,
			Notes:           notes,
		})
		if errors.Is(err, repo.ErrEmptyCart) {
			a.Close()
			fatal("cart is empty; add products with 'pos cart add'")
		}
		if err != nil {
			a.Close()
			fatal("%v", err)
		}

		var syncErr error
		if syncNow {
			syncErr = a.orch.PushPendingInvoices(ctx)
			if fresh := a.invoices.GetByID(ctx, inv.ID); fresh != nil {
				inv = fresh
			}
		}

		if jsonOutput {
			outputJSON(inv)
			return
		}
		fmt.Printf("%s Invoice %s recorded\n", ui.RenderPass("✓"), ui.RenderBold(inv.InvoiceNumber))
		fmt.Println(ui.KeyValues([][2]string{
			{"Subtotal", inv.Subtotal},
			{"Tax", inv.Tax},
			{"Discount", inv.Discount},
			{"Total", inv.Total},
			{"Status", ui.RenderStatus(string(inv.SyncStatus))},
		}))
		if syncErr != nil {
			fmt.Printf("%s Upload failed, will retry on next sync: %v\n", ui.RenderWarn("⚠"), syncErr)
		}
	},
}

func init() {
	checkoutCmd.Flags().String("discount", "0", "Discount amount")
	checkoutCmd.Flags().String("customer", "", "Customer name")
	checkoutCmd.Flags().String("phone", "", "Customer phone")
	checkoutCmd.Flags().String("email", "", "Customer email")
	checkoutCmd.Flags().String("notes", "", "Invoice notes")
	checkoutCmd.Flags().Bool("sync", false, "Upload the invoice immediately")

	cartCmd.AddCommand(cartAddCmd, cartSetCmd, cartRemoveCmd, cartClearCmd)
	rootCmd.AddCommand(cartCmd)
	rootCmd.AddCommand(checkoutCmd)
}
