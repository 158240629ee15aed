package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/surelaces/posync/internal/store/schema"
	"github.com/surelaces/posync/internal/ui"
)

// resolveProduct finds a product by ID, then by exact code or barcode.
func (a *app) resolveProduct(ctx context.Context, ref string) *schema.Product {
	if p := a.products.GetByID(ctx, ref); p != nil {
		return p
	}
	for _, p := range a.products.Search(ctx, ref, 50) {
		if strings.EqualFold(p.Code, ref) || (p.Barcode != "" && p.Barcode == ref) {
			p := p
			return &p
		}
	}
	return nil
}

func (a *app) mustResolveProduct(ctx context.Context, ref string) *schema.Product {
	p := a.resolveProduct(ctx, ref)
	if p == nil {
		a.Close()
		fatal("no product with id or code %q", ref)
	}
	return p
}

func printProducts(products []schema.Product) {
	if jsonOutput {
		outputJSON(products)
		return
	}
	if len(products) == 0 {
		fmt.Println("No products found")
		return
	}
	rows := make([][]string, 0, len(products))
	for _, p := range products {
		stock := strconv.Itoa(p.Stock)
		if p.IsLowStock {
			stock = ui.RenderWarn(stock)
		}
		rows = append(rows, []string{p.Code, p.Name, p.CategoryName, p.Price, stock})
	}
	fmt.Println(ui.Table([]string{"CODE", "NAME", "CATEGORY", "PRICE", "STOCK"}, rows))
}

var productsCmd = &cobra.Command{
	Use:     "products",
	Aliases: []string{"product", "p"},
	GroupID: "sell",
	Short:   "Browse the local product catalog",
}

var productsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active products by name",
	Run: func(cmd *cobra.Command, args []string) {
		category, _ := cmd.Flags().GetString("category")
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		if category != "" {
			printProducts(a.products.GetByCategory(ctx, category, limit))
			return
		}
		printProducts(a.products.GetAll(ctx, limit))
	},
}

var productsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search products by name, code, description or category",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		printProducts(a.products.Search(ctx, strings.Join(args, " "), limit))
	},
}

var productsLowStockCmd = &cobra.Command{
	Use:   "low-stock",
	Short: "List products at or below their low-stock threshold",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		printProducts(a.products.GetLowStock(ctx, limit))
	},
}

var productsShowCmd = &cobra.Command{
	Use:   "show <id|code>",
	Short: "Show one product",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		p := a.mustResolveProduct(ctx, args[0])
		if jsonOutput {
			outputJSON(p)
			return
		}
		synced := "never"
		if p.LastSyncedAt != nil {
			synced = p.LastSyncedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Println(ui.RenderBold(p.Name))
		fmt.Println(ui.KeyValues([][2]string{
			{"ID", p.ID},
			{"Code", p.Code},
			{"Barcode", p.Barcode},
			{"Category", p.CategoryName},
			{"Price", p.Price},
			{"Cost", p.Cost},
			{"Stock", fmt.Sprintf("%d (low at %d)", p.Stock, p.LowStockThreshold)},
			{"Description", p.Description},
			{"Synced", synced},
		}))
	},
}

var productsEditCmd = &cobra.Command{
	Use:   "edit <id|code>",
	Short: "Edit a product on the backend (owners only)",
	Long: `Edit a product's name, price or stock.

The change is sent to the backend first and stored locally only once the
backend accepts it, so this command needs a connection and an owner login.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()
		a.requireUser(ctx)

		p := *a.mustResolveProduct(ctx, args[0])
		changed := false
		if cmd.Flags().Changed("name") {
			p.Name, _ = cmd.Flags().GetString("name")
			changed = true
		}
		if cmd.Flags().Changed("price") {
			raw, _ := cmd.Flags().GetString("price")
			price, err := decimal.NewFromString(raw)
			if err != nil {
				a.Close()
				fatal("invalid price %q", raw)
			}
			p.Price = price.StringFixed(2)
			changed = true
		}
		if cmd.Flags().Changed("stock") {
			p.Stock, _ = cmd.Flags().GetInt("stock")
			changed = true
		}
		if !changed {
			a.Close()
			fatal("nothing to change; use --name, --price or --stock")
		}

		updated, err := a.orch.EditProduct(ctx, p)
		if err != nil {
			a.Close()
			fatal("%v", err)
		}
		if jsonOutput {
			outputJSON(updated)
			return
		}
		fmt.Printf("%s Updated %s: %s, %s, %d in stock\n", ui.RenderPass("✓"), updated.Code, updated.Name, updated.Price, updated.Stock)
	},
}

func init() {
	productsCmd.PersistentFlags().Int("limit", 50, "Maximum number of products")
	productsListCmd.Flags().String("category", "", "Filter by category ID")
	productsEditCmd.Flags().String("name", "", "New name")
	productsEditCmd.Flags().String("price", "", "New price")
	productsEditCmd.Flags().Int("stock", 0, "New stock level")

	productsCmd.AddCommand(productsListCmd, productsSearchCmd, productsLowStockCmd, productsShowCmd, productsEditCmd)
	rootCmd.AddCommand(productsCmd)
}
