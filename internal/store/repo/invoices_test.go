package repo

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surelaces/posync/internal/store/schema"
)

func newTestInvoice(t *testing.T, items ...schema.InvoiceItem) schema.Invoice {
	t.Helper()
	if len(items) == 0 {
		items = []schema.InvoiceItem{{ProductID: uuid.NewString(), ProductName: "Thing", Quantity: 1, Price: "1.00"}}
	}
	totals, err := schema.ComputeTotals(items, decimal.Zero, "")
	require.NoError(t, err)
	return schema.Invoice{
		Salesperson:     uuid.NewString(),
		SalespersonName: "Ana",
		Subtotal:        totals.Subtotal,
		Tax:             totals.Tax,
		Total:           totals.Total,
		Items:           items,
	}
}

func TestCreateInvoiceComputesAndReadsBack(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	items := []schema.InvoiceItem{
		{ProductID: uuid.NewString(), ProductName: "Pen", ProductCode: "P1", Quantity: 3, Price: "10.00"},
		{ProductID: uuid.NewString(), ProductName: "Pad", ProductCode: "P2", Quantity: 1, Price: "5.00"},
	}
	totals, err := schema.ComputeTotals(items, decimal.RequireFromString("0.1"), "")
	require.NoError(t, err)

	inv := newTestInvoice(t, items...)
	inv.Subtotal, inv.Tax, inv.Total = totals.Subtotal, totals.Tax, totals.Total

	id, err := repo.CreateInvoice(ctx, inv)
	require.NoError(t, err)
	assert.Contains(t, id, "local_")

	got := repo.GetByID(ctx, id)
	require.NotNil(t, got)
	assert.Equal(t, "35.00", got.Subtotal)
	assert.Equal(t, "3.50", got.Tax)
	assert.Equal(t, "38.50", got.Total)
	assert.Equal(t, schema.StatusPending, got.SyncStatus)
	assert.Regexp(t, `^INV-`, got.InvoiceNumber)

	require.Len(t, got.Items, 2)
	assert.Equal(t, "Pen", got.Items[0].ProductName)
	assert.Equal(t, "30.00", got.Items[0].Subtotal)
	assert.Equal(t, "Pad", got.Items[1].ProductName)
	assert.Less(t, got.Items[0].ID, got.Items[1].ID)

	byNumber := repo.GetByNumber(ctx, got.InvoiceNumber)
	require.NotNil(t, byNumber)
	assert.Equal(t, id, byNumber.ID)
}

func TestCreateInvoiceIsAtomic(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewInvoices(e)

	inv := newTestInvoice(t,
		schema.InvoiceItem{ProductID: uuid.NewString(), ProductName: "ok", Quantity: 1, Price: "1.00"},
		schema.InvoiceItem{ProductID: uuid.NewString(), ProductName: "ok", Quantity: 2, Price: "1.00"},
		// violates CHECK (quantity > 0) on the third insert
		schema.InvoiceItem{ProductID: uuid.NewString(), ProductName: "bad", Quantity: 0, Price: "1.00"},
	)
	inv.ID = "local_atomic"

	_, err := repo.CreateInvoice(ctx, inv)
	require.Error(t, err)

	assert.Nil(t, repo.GetByID(ctx, "local_atomic"))

	conn, _ := e.Handle()
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM invoice_items`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM invoices`).Scan(&n))
	assert.Zero(t, n)
}

func TestCreateInvoiceRequiresItems(t *testing.T) {
	repo := NewInvoices(setupTestEngine(t))
	inv := newTestInvoice(t)
	inv.Items = nil

	_, err := repo.CreateInvoice(context.Background(), inv)
	assert.ErrorIs(t, err, schema.ErrInvalid)
}

func TestCreateInvoiceDuplicateNumber(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	inv := newTestInvoice(t)
	inv.InvoiceNumber = "INV-1"
	_, err := repo.CreateInvoice(ctx, inv)
	require.NoError(t, err)

	inv.ID = ""
	_, err = repo.CreateInvoice(ctx, inv)
	assert.ErrorIs(t, err, ErrDuplicateInvoice)
}

func TestInvoiceQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seller := uuid.NewString()
	var created []string
	for i := 0; i < 3; i++ {
		inv := newTestInvoice(t)
		inv.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if i < 2 {
			inv.Salesperson = seller
		}
		id, err := repo.CreateInvoice(ctx, inv)
		require.NoError(t, err)
		created = append(created, id)
	}

	pending := repo.GetPending(ctx)
	require.Len(t, pending, 3)
	assert.Equal(t, created[0], pending[0].ID, "pending is oldest first")

	all := repo.GetAll(ctx, 2)
	require.Len(t, all, 2)
	assert.Equal(t, created[2], all[0].ID, "all is newest first")

	assert.Len(t, repo.GetBySalesperson(ctx, seller), 2)
	assert.Len(t, repo.GetSince(ctx, base.Add(90*time.Minute)), 1)
	assert.Equal(t, 3, repo.PendingCount(ctx))
	assert.Nil(t, repo.GetByID(ctx, "nope"))
}

func TestUpdateSyncStatusNeverLeavesSynced(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	id, err := repo.CreateInvoice(ctx, newTestInvoice(t))
	require.NoError(t, err)

	require.NoError(t, repo.UpdateSyncStatus(ctx, id, schema.StatusSynced, nil))
	got := repo.GetByID(ctx, id)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
	assert.NotNil(t, got.SyncedAt)

	err = repo.UpdateSyncStatus(ctx, id, schema.StatusPending, nil)
	assert.ErrorIs(t, err, ErrSyncedImmutable)
	assert.Equal(t, schema.StatusSynced, repo.GetByID(ctx, id).SyncStatus)

	assert.ErrorIs(t, repo.UpdateSyncStatus(ctx, "nope", schema.StatusSynced, nil), ErrInvoiceNotFound)
	assert.Error(t, repo.UpdateSyncStatus(ctx, id, schema.SyncStatus("LOST"), nil))
}

func TestBulkUpdateSyncStatusIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	var numbers []string
	for i := 0; i < 3; i++ {
		id, err := repo.CreateInvoice(ctx, newTestInvoice(t))
		require.NoError(t, err)
		numbers = append(numbers, repo.GetByID(ctx, id).InvoiceNumber)
	}

	require.NoError(t, repo.BulkUpdateSyncStatus(ctx, numbers[:2]))
	first := repo.GetByNumber(ctx, numbers[0])
	require.NoError(t, repo.BulkUpdateSyncStatus(ctx, numbers[:2]))
	second := repo.GetByNumber(ctx, numbers[0])

	assert.Equal(t, schema.StatusSynced, first.SyncStatus)
	assert.Equal(t, schema.StatusSynced, second.SyncStatus)
	assert.NotNil(t, second.SyncedAt)
	assert.Equal(t, schema.StatusPending, repo.GetByNumber(ctx, numbers[2]).SyncStatus)
	assert.Equal(t, 1, repo.PendingCount(ctx))

	assert.NoError(t, repo.BulkUpdateSyncStatus(ctx, nil))
}

func TestRecordSyncFailureAndReset(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	id, err := repo.CreateInvoice(ctx, newTestInvoice(t))
	require.NoError(t, err)
	number := repo.GetByID(ctx, id).InvoiceNumber

	require.NoError(t, repo.RecordSyncFailure(ctx, number, "price mismatch", false))
	got := repo.GetByID(ctx, id)
	assert.Equal(t, schema.StatusPending, got.SyncStatus)
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Equal(t, "price mismatch", got.LastSyncError)

	require.NoError(t, repo.RecordSyncFailure(ctx, number, "unknown product", true))
	got = repo.GetByID(ctx, id)
	assert.Equal(t, schema.StatusFailed, got.SyncStatus)
	assert.Equal(t, 2, got.SyncAttempts)
	assert.Len(t, repo.GetByStatus(ctx, schema.StatusFailed), 1)

	require.NoError(t, repo.ResetSyncAttempts(ctx, id))
	got = repo.GetByID(ctx, id)
	assert.Equal(t, schema.StatusPending, got.SyncStatus)
	assert.Zero(t, got.SyncAttempts)
	assert.Empty(t, got.LastSyncError)

	require.NoError(t, repo.BulkUpdateSyncStatus(ctx, []string{number}))
	assert.ErrorIs(t, repo.ResetSyncAttempts(ctx, id), ErrSyncedImmutable)
	assert.ErrorIs(t, repo.ResetSyncAttempts(ctx, "nope"), ErrInvoiceNotFound)
}

func TestMergeFromServerKeepsLocalPending(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	localOnly := newTestInvoice(t)
	localOnly.InvoiceNumber = "INV-LOCAL"
	localID, err := repo.CreateInvoice(ctx, localOnly)
	require.NoError(t, err)

	pushed := newTestInvoice(t)
	pushed.InvoiceNumber = "INV-PUSHED"
	pushedID, err := repo.CreateInvoice(ctx, pushed)
	require.NoError(t, err)

	fromOtherDevice := newTestInvoice(t)
	fromOtherDevice.ID = uuid.NewString()
	fromOtherDevice.InvoiceNumber = "INV-REMOTE"

	serverCopy := pushed
	serverCopy.ID = uuid.NewString()

	result, err := repo.MergeFromServer(ctx, []schema.Invoice{serverCopy, fromOtherDevice})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Confirmed)
	assert.Equal(t, 1, result.KeptPending)

	all := repo.GetAll(ctx, 0)
	assert.Len(t, all, 3)

	assert.Equal(t, schema.StatusPending, repo.GetByID(ctx, localID).SyncStatus)
	assert.Equal(t, schema.StatusSynced, repo.GetByID(ctx, pushedID).SyncStatus)

	remote := repo.GetByNumber(ctx, "INV-REMOTE")
	require.NotNil(t, remote)
	assert.Equal(t, schema.StatusSynced, remote.SyncStatus)
	assert.Len(t, remote.Items, 1)

	// A second merge of the same list changes nothing.
	result, err = repo.MergeFromServer(ctx, []schema.Invoice{serverCopy, fromOtherDevice})
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	assert.Zero(t, result.Confirmed)
	assert.Len(t, repo.GetAll(ctx, 0), 3)
}

func TestDeleteAndClearInvoices(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewInvoices(e)

	id, err := repo.CreateInvoice(ctx, newTestInvoice(t))
	require.NoError(t, err)
	_, err = repo.CreateInvoice(ctx, newTestInvoice(t))
	require.NoError(t, err)

	require.NoError(t, repo.DeleteInvoice(ctx, id))
	require.NoError(t, repo.DeleteInvoice(ctx, id))
	assert.Nil(t, repo.GetByID(ctx, id))

	conn, _ := e.Handle()
	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM invoice_items WHERE invoice_id = ?`, id).Scan(&n))
	assert.Zero(t, n, "items cascade with their invoice")

	require.NoError(t, repo.ClearAll(ctx))
	assert.Empty(t, repo.GetAll(ctx, 0))
	assert.Zero(t, repo.PendingCount(ctx))
}

func TestPurgeInvalidPending(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	goodID, err := repo.CreateInvoice(ctx, newTestInvoice(t))
	require.NoError(t, err)

	legacy := newTestInvoice(t)
	legacy.InvoiceNumber = "INV-LEGACY"
	legacy.Salesperson = "42"
	legacyID, err := repo.CreateInvoice(ctx, legacy)
	require.NoError(t, err)

	badProduct := newTestInvoice(t, schema.InvoiceItem{ProductID: "sku-7", ProductName: "Thing", Quantity: 1, Price: "1.00"})
	badProduct.InvoiceNumber = "INV-BAD-PRODUCT"
	badID, err := repo.CreateInvoice(ctx, badProduct)
	require.NoError(t, err)

	// Synced invoices are never touched, valid or not.
	synced := newTestInvoice(t)
	synced.Salesperson = "43"
	syncedID, err := repo.CreateInvoice(ctx, synced)
	require.NoError(t, err)
	require.NoError(t, repo.UpdateSyncStatus(ctx, syncedID, schema.StatusSynced, nil))

	found, err := repo.PurgeInvalid(ctx, true)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.ElementsMatch(t, []string{"INV-LEGACY", "INV-BAD-PRODUCT"},
		[]string{found[0].InvoiceNumber, found[1].InvoiceNumber})
	assert.Equal(t, 3, repo.PendingCount(ctx), "dry run deletes nothing")

	purged, err := repo.PurgeInvalid(ctx, false)
	require.NoError(t, err)
	assert.Len(t, purged, 2)
	assert.Nil(t, repo.GetByID(ctx, legacyID))
	assert.Nil(t, repo.GetByID(ctx, badID))
	assert.NotNil(t, repo.GetByID(ctx, goodID))
	assert.NotNil(t, repo.GetByID(ctx, syncedID))
	assert.Equal(t, 1, repo.PendingCount(ctx))

	again, err := repo.PurgeInvalid(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCheckoutCreatesInvoiceAndEmptiesCart(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	invoices := NewInvoices(e)
	cart := NewCart(e)

	pen := makeProduct(1)
	pen.Price = "10.00"
	pad := makeProduct(2)
	pad.Price = "5.00"
	seedProducts(t, e, pen, pad)

	cart.now = steppingClock(time.Now())
	require.NoError(t, cart.AddItem(ctx, pen.ID, 3))
	require.NoError(t, cart.AddItem(ctx, pad.ID, 1))

	inv, err := invoices.Checkout(ctx, CheckoutRequest{
		Salesperson:     uuid.NewString(),
		SalespersonName: "Ana",
		TaxRate:         decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "35.00", inv.Subtotal)
	assert.Equal(t, "38.50", inv.Total)
	assert.Zero(t, cart.UniqueItemCount(ctx))

	stored := invoices.GetByID(ctx, inv.ID)
	require.NotNil(t, stored)
	require.Len(t, stored.Items, 2)
	assert.Equal(t, pen.ID, stored.Items[0].ProductID)
	assert.Equal(t, pen.Code, stored.Items[0].ProductCode)
	assert.NoError(t, stored.Validate())

	_, err = invoices.Checkout(ctx, CheckoutRequest{Salesperson: uuid.NewString()})
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestSyncLogRecordsEntries(t *testing.T) {
	ctx := context.Background()
	l := NewSyncLog(setupTestEngine(t))

	l.Record(ctx, schema.SyncMetadata{EntityType: "products", SyncStatus: "success", RecordsSynced: 5})
	l.Record(ctx, schema.SyncMetadata{EntityType: "invoices", SyncStatus: "error", ErrorMessage: "timeout"})

	entries, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "invoices", entries[0].EntityType)
	assert.Equal(t, "timeout", entries[0].ErrorMessage)
	assert.Equal(t, 5, entries[1].RecordsSynced)
}

func TestMergeFromServerSkipsInvoiceWithoutItems(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	empty := newTestInvoice(t)
	empty.ID = uuid.NewString()
	empty.InvoiceNumber = "INV-EMPTY"
	empty.Items = nil

	result, err := repo.MergeFromServer(ctx, []schema.Invoice{empty})
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	assert.Equal(t, 1, result.Skipped)
	assert.Nil(t, repo.GetByNumber(ctx, "INV-EMPTY"))
}

func TestMergeFromServerKeepsGoodInvoicesNextToBadOnes(t *testing.T) {
	ctx := context.Background()
	repo := NewInvoices(setupTestEngine(t))

	good := newTestInvoice(t)
	good.ID = uuid.NewString()
	good.InvoiceNumber = "INV-GOOD"

	zeroQty := newTestInvoice(t, schema.InvoiceItem{ProductID: uuid.NewString(), ProductName: "Thing", Quantity: 0, Price: "1.00"})
	zeroQty.ID = uuid.NewString()
	zeroQty.InvoiceNumber = "INV-ZERO-QTY"

	badMoney := newTestInvoice(t)
	badMoney.ID = uuid.NewString()
	badMoney.InvoiceNumber = "INV-BAD-TOTAL"
	badMoney.Total = "twelve"

	result, err := repo.MergeFromServer(ctx, []schema.Invoice{zeroQty, good, badMoney})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 2, result.Skipped)

	stored := repo.GetByNumber(ctx, "INV-GOOD")
	require.NotNil(t, stored)
	assert.Equal(t, schema.StatusSynced, stored.SyncStatus)
	assert.Len(t, stored.Items, 1)
	assert.Nil(t, repo.GetByNumber(ctx, "INV-ZERO-QTY"))
	assert.Nil(t, repo.GetByNumber(ctx, "INV-BAD-TOTAL"))
}

func TestInsertIsolatedUndoesOnlyTheFailedInsert(t *testing.T) {
	ctx := context.Background()
	e := setupTestEngine(t)
	repo := NewInvoices(e)

	kept := newTestInvoice(t)
	kept.ID = "kept"
	kept.InvoiceNumber = "INV-KEPT"
	kept.SyncStatus = schema.StatusSynced
	kept.CreatedAt = time.Now()

	broken := newTestInvoice(t)
	broken.ID = "broken"
	broken.InvoiceNumber = "INV-BROKEN"
	broken.SyncStatus = schema.StatusSynced
	broken.CreatedAt = time.Now()
	// Rejected by the quantity CHECK, not by any Go-side validation.
	broken.Items[0].Quantity = -1

	err := e.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, insertIsolated(ctx, tx, func() error { return insertInvoice(ctx, tx, &kept) }))
		require.Error(t, insertIsolated(ctx, tx, func() error { return insertInvoice(ctx, tx, &broken) }))
		return nil
	})
	require.NoError(t, err)

	assert.NotNil(t, repo.GetByID(ctx, "kept"))
	assert.Nil(t, repo.GetByID(ctx, "broken"))

	conn, _ := e.Handle()
	var orphans int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM invoice_items WHERE invoice_id = 'broken'`).Scan(&orphans))
	assert.Zero(t, orphans)
}
