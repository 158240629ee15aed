package repo

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surelaces/posync/internal/store/schema"
)

func ids(products []schema.Product) []string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.ID
	}
	return out
}

func containsID(products []schema.Product, id string) bool {
	for _, p := range products {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestBulkUpsertTwiceKeepsCount(t *testing.T) {
	ctx := context.Background()
	repo := NewProducts(setupTestEngine(t))
	products := makeProducts(50)

	require.NoError(t, repo.BulkUpsert(ctx, products))
	require.NoError(t, repo.BulkUpsert(ctx, products))

	assert.Equal(t, 50, repo.Count(ctx))
}

func TestBulkUpsertEmptyIsNoop(t *testing.T) {
	repo := NewProducts(setupTestEngine(t))
	assert.NoError(t, repo.BulkUpsert(context.Background(), nil))
	assert.Zero(t, repo.Count(context.Background()))
}

func TestBulkUpsertRejectsInvalidProduct(t *testing.T) {
	ctx := context.Background()
	repo := NewProducts(setupTestEngine(t))

	bad := makeProduct(2)
	bad.Price = "abc"
	err := repo.BulkUpsert(ctx, []schema.Product{makeProduct(1), bad})
	require.Error(t, err)
	assert.Zero(t, repo.Count(ctx), "batch is all-or-nothing")
}

func TestSearchByCodeFindsEveryActiveProduct(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)
	products := seedProducts(t, e, makeProducts(20)...)

	for _, p := range products {
		got := repo.Search(ctx, p.Code, 50)
		assert.True(t, containsID(got, p.ID), "search(%q) should include %s", p.Code, p.ID)
	}
}

func TestSearchBlankEqualsGetAll(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)
	seedProducts(t, e, makeProducts(10)...)

	all := repo.GetAll(ctx, 0)
	assert.Equal(t, ids(all), ids(repo.Search(ctx, "", 0)))
	assert.Equal(t, ids(all), ids(repo.Search(ctx, "   ", 0)))

	names := make([]string, len(all))
	for i, p := range all {
		names[i] = p.Name
	}
	assert.True(t, sort.StringsAreSorted(names))
}

func TestSearchUsesPrefixAndSkipsInactive(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)

	soap := makeProduct(1)
	soap.Name = "Lavender Soap"
	soap.CategoryName = "Bath"
	shampoo := makeProduct(2)
	shampoo.Name = "Shampoo"
	retired := makeProduct(3)
	retired.Name = "Soap Classic"
	retired.IsActive = false
	seedProducts(t, e, soap, shampoo, retired)

	got := repo.Search(ctx, "lav", 10)
	require.Len(t, got, 1)
	assert.Equal(t, soap.ID, got[0].ID)

	got = repo.Search(ctx, "soa", 10)
	assert.Equal(t, []string{soap.ID}, ids(got))

	got = repo.Search(ctx, "bath", 10)
	assert.Equal(t, []string{soap.ID}, ids(got))
}

func TestSearchIndexFollowsUpdatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)

	p := makeProduct(1)
	p.Name = "Widget"
	seedProducts(t, e, p)
	require.Len(t, repo.Search(ctx, "widget", 10), 1)

	p.Name = "Gadget"
	require.NoError(t, repo.Upsert(ctx, p))
	assert.Empty(t, repo.Search(ctx, "widget", 10))
	assert.Len(t, repo.Search(ctx, "gadget", 10), 1)

	conn, err := e.Handle()
	require.NoError(t, err)
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM products_fts`).Scan(&n))
	assert.Equal(t, 1, n)

	require.NoError(t, repo.ClearAll(ctx))
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM products_fts`).Scan(&n))
	assert.Zero(t, n)
}

func TestSearchFallsBackWhenIndexUnavailable(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)

	a := makeProduct(1)
	a.Name = "Blue Pen"
	b := makeProduct(2)
	b.Name = "Red Pencil"
	c := makeProduct(3)
	c.Name = "Stapler"
	c.CategoryName = "Office PENS"
	d := makeProduct(4)
	d.Name = "Pen Holder"
	d.IsActive = false
	seedProducts(t, e, a, b, c, d)

	conn, err := e.Handle()
	require.NoError(t, err)
	_, err = conn.Exec(`DROP TABLE products_fts`)
	require.NoError(t, err)

	got := repo.Search(ctx, "PEN", 10)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, ids(got))

	// Substring, not just prefix.
	got = repo.Search(ctx, "tapl", 10)
	assert.Equal(t, []string{c.ID}, ids(got))

	got = repo.Search(ctx, a.Code, 10)
	assert.Equal(t, []string{a.ID}, ids(got))

	// Ordered by name.
	got = repo.Search(ctx, "pen", 10)
	require.Len(t, got, 3)
	assert.Equal(t, "Blue Pen", got[0].Name)
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)

	a := makeProduct(1)
	a.Name = "100% Cotton"
	b := makeProduct(2)
	b.Name = "100 Cotton"
	seedProducts(t, e, a, b)

	conn, _ := e.Handle()
	_, err := conn.Exec(`DROP TABLE products_fts`)
	require.NoError(t, err)

	assert.Equal(t, []string{a.ID}, ids(repo.Search(ctx, "0%", 10)))
}

func TestUpsertReplacesProductHoldingSameCode(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)

	old := makeProduct(1)
	seedProducts(t, e, old)

	replacement := makeProduct(2)
	replacement.Code = old.Code
	require.NoError(t, repo.Upsert(ctx, replacement))

	assert.Nil(t, repo.GetByID(ctx, old.ID))
	assert.NotNil(t, repo.GetByID(ctx, replacement.ID))
	assert.Equal(t, 1, repo.Count(ctx))
}

func TestReplaceAllRemovesStaleAndKeepsCart(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)
	cart := NewCart(e)

	products := seedProducts(t, e, makeProducts(3)...)
	require.NoError(t, cart.AddItem(ctx, products[0].ID, 2))
	require.NoError(t, cart.AddItem(ctx, products[2].ID, 1))

	updated := products[0]
	updated.Price = "9.99"
	n, err := repo.ReplaceAll(ctx, []schema.Product{updated, products[1]})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 2, repo.Count(ctx))
	assert.Nil(t, repo.GetByID(ctx, products[2].ID))
	assert.Equal(t, "9.99", repo.GetByID(ctx, products[0].ID).Price)

	assert.True(t, cart.HasProduct(ctx, products[0].ID))
	assert.False(t, cart.HasProduct(ctx, products[2].ID), "cart line of a removed product cascades")
}

func TestCategoryAndLowStockQueries(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)

	a := makeProduct(1)
	a.CategoryID = "drinks"
	a.Stock = 1
	b := makeProduct(2)
	b.CategoryID = "drinks"
	b.Stock = 50
	c := makeProduct(3)
	c.CategoryID = "snacks"
	c.Stock = 0
	seedProducts(t, e, a, b, c)

	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(repo.GetByCategory(ctx, "drinks", 10)))
	assert.Empty(t, repo.GetByCategory(ctx, "none", 10))

	low := repo.GetLowStock(ctx, 10)
	assert.Equal(t, []string{c.ID, a.ID}, ids(low))
}

func TestReadsDegradeToEmpty(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewProducts(e)
	seedProducts(t, e, makeProducts(3)...)

	conn, _ := e.Handle()
	_, err := conn.Exec(`DROP TABLE cart_items`)
	require.NoError(t, err)
	_, err = conn.Exec(`DROP TABLE products`)
	require.NoError(t, err)

	got := repo.GetAll(ctx, 10)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, repo.Search(ctx, "x", 10))
	assert.Nil(t, repo.GetByID(ctx, "anything"))
	assert.Zero(t, repo.Count(ctx))
}

func TestFTSQueryQuotesTerms(t *testing.T) {
	assert.Equal(t, `"blue"* "pen"*`, ftsQuery("blue  pen"))
	assert.Equal(t, `"a""b"*`, ftsQuery(`a"b`))
}
