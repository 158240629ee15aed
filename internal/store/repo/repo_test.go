package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/surelaces/posync/internal/store/db"
	"github.com/surelaces/posync/internal/store/schema"
)

func setupTestEngine(t *testing.T) *db.Engine {
	t.Helper()
	e := db.New(filepath.Join(t.TempDir(), "pos.db"))
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func makeProduct(i int) schema.Product {
	return schema.Product{
		ID:                uuid.NewString(),
		Name:              fmt.Sprintf("Product %03d", i),
		Code:              fmt.Sprintf("SKU%03d", i),
		CategoryID:        "cat-1",
		CategoryName:      "General",
		Price:             "1.50",
		Stock:             10,
		LowStockThreshold: 2,
		IsActive:          true,
	}
}

func makeProducts(n int) []schema.Product {
	out := make([]schema.Product, n)
	for i := range out {
		out[i] = makeProduct(i)
	}
	return out
}

// seedProducts stores products and returns them.
func seedProducts(t *testing.T, e *db.Engine, ps ...schema.Product) []schema.Product {
	t.Helper()
	require.NoError(t, NewProducts(e).BulkUpsert(context.Background(), ps))
	return ps
}

// steppingClock returns a clock that advances by one second per call.
func steppingClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}
