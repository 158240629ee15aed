package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/surelaces/posync/internal/store/loadtest"
	"github.com/surelaces/posync/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Measure local store latency on a scratch database",
	Long: `Create a scratch database with a generated catalog and measure:

  - catalog search latency with several terminals searching at once
  - checkout latency (cart to PENDING invoice)
  - consistency of the sync queue under concurrent reads and writes

The real database is never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		products, _ := cmd.Flags().GetInt("products")
		terminals, _ := cmd.Flags().GetInt("terminals")
		queries, _ := cmd.Flags().GetInt("queries")
		sales, _ := cmd.Flags().GetInt("sales")
		duration, _ := cmd.Flags().GetDuration("duration")
		keep, _ := cmd.Flags().GetBool("keep")

		dir, err := os.MkdirTemp("", "pos-bench-")
		if err != nil {
			fatal("%v", err)
		}
		if !keep {
			defer os.RemoveAll(dir)
		}

		ctx := cmd.Context()
		path := filepath.Join(dir, "bench.db")
		fmt.Printf("%s Loading %d products into %s\n", ui.RenderAccent("📦"), products, path)
		start := time.Now()
		ts, err := loadtest.CreateTestStore(ctx, path, products, 0.2)
		if err != nil {
			fatal("%v", err)
		}
		defer ts.Close()
		fmt.Printf("   loaded in %v\n\n", time.Since(start).Round(time.Millisecond))

		search, err := ts.RunConcurrentSearches(ctx, terminals, queries)
		if err != nil {
			ts.Close()
			fatal("search run: %v", err)
		}
		checkout, err := ts.RunCheckouts(ctx, sales, 3)
		if err != nil {
			ts.Close()
			fatal("checkout run: %v", err)
		}
		consistencyErr := ts.VerifyConsistency(ctx, terminals, duration)

		if jsonOutput {
			out := map[string]interface{}{
				"search":     search,
				"checkout":   checkout,
				"consistent": consistencyErr == nil,
			}
			if consistencyErr != nil {
				out["consistency_error"] = consistencyErr.Error()
			}
			outputJSON(out)
			return
		}

		search.Print(os.Stdout, fmt.Sprintf("Search (%d terminals x %d queries)", terminals, queries))
		fmt.Println()
		checkout.Print(os.Stdout, fmt.Sprintf("Checkout (%d sales)", sales))
		fmt.Println()
		if consistencyErr != nil {
			fmt.Printf("%s Consistency: %v\n", ui.RenderFail("✗"), consistencyErr)
			ts.Close()
			if !keep {
				os.RemoveAll(dir)
			}
			os.Exit(1)
		}
		fmt.Printf("%s Consistency: %d readers for %v, no anomalies\n", ui.RenderPass("✓"), terminals, duration)
		if keep {
			fmt.Printf("   Database kept at %s\n", path)
		}
	},
}

func init() {
	benchCmd.Flags().Int("products", 5000, "Catalog size")
	benchCmd.Flags().Int("terminals", 8, "Concurrent searching terminals")
	benchCmd.Flags().Int("queries", 200, "Searches per terminal")
	benchCmd.Flags().Int("sales", 200, "Checkouts to record")
	benchCmd.Flags().Duration("duration", 2*time.Second, "Consistency run length")
	benchCmd.Flags().Bool("keep", false, "Keep the scratch database")
	rootCmd.AddCommand(benchCmd)
}
