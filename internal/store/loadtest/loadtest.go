// Package loadtest measures the local store under a busy-counter workload:
// several terminals searching the catalog while sales are checked out and
// the sync queue is read.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/repo"
	"github.com/surelaces/posync/internal/store/schema"
)

// Salesperson is the user recorded on generated invoices.
const Salesperson = "0b6c9a52-3f4e-4b8e-9c61-6f2d2a7e5d10"

var categories = []string{"Beverages", "Bakery", "Dairy", "Produce", "Household", "Snacks"}

// TestStore is a populated store for load testing.
type TestStore struct {
	Engine   *db.Engine
	Products *repo.Products
	Cart     *repo.Cart
	Invoices *repo.Invoices

	ProductIDs  []string
	LowStockIDs []string
	Terms       []string
}

// LatencyStats captures performance metrics from a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// CreateTestStore creates a store at path with numProducts catalog entries.
// Roughly lowStockPct of them are at or under their low-stock threshold.
func CreateTestStore(ctx context.Context, path string, numProducts int, lowStockPct float64) (*TestStore, error) {
	engine := db.New(path, db.WithLogger(discardLogger()))
	if err := engine.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	ts := &TestStore{
		Engine:   engine,
		Products: repo.NewProducts(engine),
		Cart:     repo.NewCart(engine),
		Invoices: repo.NewInvoices(engine),
	}

	products := generateProducts(numProducts, lowStockPct)
	if err := ts.Products.BulkUpsert(ctx, products); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	terms := make(map[string]bool)
	for _, p := range products {
		ts.ProductIDs = append(ts.ProductIDs, p.ID)
		if p.IsLowStock {
			ts.LowStockIDs = append(ts.LowStockIDs, p.ID)
		}
		terms[strings.Fields(p.Name)[0]] = true
	}
	for t := range terms {
		ts.Terms = append(ts.Terms, t)
	}
	sort.Strings(ts.Terms)
	return ts, nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.Engine != nil {
		return ts.Engine.Close()
	}
	return nil
}

// RunConcurrentSearches simulates terminals each running queries catalog
// searches, and returns the latency of every search. Every term comes from
// the catalog, so a search with no hits counts as an error.
func (ts *TestStore) RunConcurrentSearches(ctx context.Context, terminals, queries int) (*LatencyStats, error) {
	if len(ts.Terms) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}

	var mu sync.Mutex
	all := make([]time.Duration, 0, terminals*queries)
	misses := 0

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < terminals; i++ {
		terminal := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(terminal)))
			durations := make([]time.Duration, 0, queries)
			missed := 0
			for j := 0; j < queries; j++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				term := ts.Terms[rng.Intn(len(ts.Terms))]
				// Alternate whole words with typed prefixes.
				if j%2 == 1 && len(term) > 3 {
					term = term[:3]
				}
				start := time.Now()
				found := ts.Products.Search(ctx, term, 20)
				durations = append(durations, time.Since(start))
				if len(found) == 0 {
					missed++
				}
			}
			mu.Lock()
			all = append(all, durations...)
			misses += missed
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := computeLatencyStats(all)
	stats.Errors = misses
	return stats, nil
}

// RunCheckouts records n sales of itemsPerSale lines each and returns the
// latency of each cart-to-invoice round.
func (ts *TestStore) RunCheckouts(ctx context.Context, n, itemsPerSale int) (*LatencyStats, error) {
	rng := rand.New(rand.NewSource(42))
	durations := make([]time.Duration, 0, n)
	errCount := 0
	for i := 0; i < n; i++ {
		start := time.Now()
		if err := ts.checkoutOne(ctx, rng, itemsPerSale); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errCount++
			continue
		}
		durations = append(durations, time.Since(start))
	}
	if len(durations) == 0 {
		return nil, fmt.Errorf("no checkout completed")
	}
	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	return stats, nil
}

func (ts *TestStore) checkoutOne(ctx context.Context, rng *rand.Rand, items int) error {
	for k := 0; k < items; k++ {
		id := ts.ProductIDs[rng.Intn(len(ts.ProductIDs))]
		if err := ts.Cart.AddItem(ctx, id, 1+rng.Intn(3)); err != nil {
			return err
		}
	}
	_, err := ts.Invoices.Checkout(ctx, repo.CheckoutRequest{
		Salesperson:     Salesperson,
		SalespersonName: "Load Test",
		TaxRate:         decimal.RequireFromString("0.10"),
	})
	return err
}

// VerifyConsistency runs readers against the store for duration while a
// writer checks out sales. Readers check that every pending invoice has
// items and that the pending count never goes down.
func (ts *TestStore) VerifyConsistency(ctx context.Context, readers int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rng := rand.New(rand.NewSource(7))
		for ctx.Err() == nil {
			if err := ts.checkoutOne(ctx, rng, 2); err != nil && ctx.Err() == nil {
				return fmt.Errorf("writer: %w", err)
			}
		}
		return nil
	})

	for i := 0; i < readers; i++ {
		reader := i
		g.Go(func() error {
			last := 0
			for ctx.Err() == nil {
				n := ts.Invoices.PendingCount(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if n < last {
					return fmt.Errorf("reader %d: pending count went from %d to %d", reader, last, n)
				}
				last = n

				for _, inv := range ts.Invoices.GetPending(ctx) {
					if len(inv.Items) == 0 {
						return fmt.Errorf("reader %d: invoice %s has no items", reader, inv.InvoiceNumber)
					}
					if _, err := schema.ParseMoney(inv.Total); err != nil {
						return fmt.Errorf("reader %d: invoice %s total %q: %w", reader, inv.InvoiceNumber, inv.Total, err)
					}
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	return g.Wait()
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func generateProducts(count int, lowStockPct float64) []schema.Product {
	rng := rand.New(rand.NewSource(42))
	adjectives := []string{"Fresh", "Organic", "Classic", "Family", "Premium", "Light", "Spicy", "Golden"}
	nouns := []string{"Milk", "Bread", "Coffee", "Apples", "Soap", "Crackers", "Juice", "Cheese", "Rice", "Tea"}
	base := time.Now().Add(-30 * 24 * time.Hour)

	products := make([]schema.Product, count)
	for i := range products {
		cat := i % len(categories)
		threshold := 5
		stock := threshold + 1 + rng.Intn(100)
		if rng.Float64() < lowStockPct {
			stock = rng.Intn(threshold + 1)
		}
		created := base.Add(time.Duration(i) * time.Minute)
		price := decimal.NewFromInt(int64(50 + rng.Intn(5000))).Shift(-2)

		products[i] = schema.Product{
			ID:                uuid.NewString(),
			Name:              fmt.Sprintf("%s %s %d", adjectives[rng.Intn(len(adjectives))], nouns[i%len(nouns)], i),
			Code:              fmt.Sprintf("LT-%05d", i),
			CategoryID:        fmt.Sprintf("cat-%d", cat),
			CategoryName:      categories[cat],
			Price:             schema.FormatMoney(price),
			Stock:             stock,
			LowStockThreshold: threshold,
			IsActive:          true,
			CreatedAt:         created,
			UpdatedAt:         created,
		}
		products[i].Normalize()
	}
	return products
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// Print writes the statistics under a title.
func (s *LatencyStats) Print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
