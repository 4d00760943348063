package r2osync

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeInvoice(t *testing.T, raw string) Invoice {
	t.Helper()
	var inv Invoice
	require.NoError(t, json.Unmarshal([]byte(raw), &inv))
	return inv
}

func assertQty(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("quantity: want %d, got %s", want, got.String())
	}
}

func TestApplyInvoice_DecrementsMappedLine(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 10)
	seedMapping(t, db, testTenant, "42", "inv-abc")

	inv := decodeInvoice(t, `{"invoice_id": 1001, "invoice_number": "RE-1001", "invoice_total": 24.5,
		"invoice_timestamp": "2026-03-01 21:14:00",
		"invoice_items": [{"product_id": 42, "item_quantity": 3, "item_name": "Al Fakher Mint"}]}`)

	res, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, res.Applied)
	assertQty(t, 7, inventoryQty(t, db, "inv-abc"))

	var entries []models.R2OSalesLogEntry
	require.NoError(t, db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, "1001", entries[0].R2OInvoiceId)
	assert.Equal(t, "RE-1001", entries[0].InvoiceNumber)
	assert.True(t, entries[0].Processed)
	assert.True(t, entries[0].TotalPrice.Equal(decimal.RequireFromString("24.5")))
	require.NotNil(t, entries[0].InvoiceTimestamp)
	assert.Equal(t, 1, entries[0].LinesApplied)
	assert.Equal(t, 0, entries[0].LinesFailed)

	var mapping models.R2OProductMapping
	require.NoError(t, db.Where("external_product_id = ?", "42").Take(&mapping).Error)
	assert.Equal(t, models.MappingSyncStatusPending, mapping.SyncStatus)
	assert.Nil(t, mapping.LastSyncedAt)
	assert.Equal(t, mapping.CreatedAt.Unix(), mapping.UpdatedAt.Unix())
}

func TestApplyInvoice_DuplicateDeliveryAppliedOnce(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 10)
	seedMapping(t, db, testTenant, "42", "inv-abc")
	inv := decodeInvoice(t, `{"invoice_id": 1001, "invoice_items": [{"product_id": 42, "item_quantity": 3}]}`)

	first, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)
	second, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assertQty(t, 7, inventoryQty(t, db, "inv-abc"))
	assert.EqualValues(t, 1, countRows(t, db, &models.R2OSalesLogEntry{}))
}

func TestApplyInvoice_SameInvoiceIdOtherTenantIsIndependent(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 10)
	seedMapping(t, db, testTenant, "42", "inv-abc")
	seedInventory(t, db, "tenant-2", "inv-xyz", 10)
	seedMapping(t, db, "tenant-2", "42", "inv-xyz")
	inv := decodeInvoice(t, `{"invoice_id": 1001, "invoice_items": [{"product_id": 42, "item_quantity": 2}]}`)

	for _, tenant := range []string{testTenant, "tenant-2"} {
		res, err := engine.ApplyInvoice(context.Background(), tenant, inv)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, res.Outcome)
	}
	assertQty(t, 8, inventoryQty(t, db, "inv-abc"))
	assertQty(t, 8, inventoryQty(t, db, "inv-xyz"))
}

func TestApplyInvoice_OnlyUnmappedItemsLeavesNoTrace(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 10)
	seedMapping(t, db, testTenant, "42", "inv-abc")
	inv := decodeInvoice(t, `{"invoice_id": 2002, "invoice_items": [{"product_id": 7, "item_quantity": 1}, {"product_id": "cola", "item_quantity": 2}]}`)

	res, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMappedItems, res.Outcome)
	assert.EqualValues(t, 0, countRows(t, db, &models.R2OSalesLogEntry{}))
	assertQty(t, 10, inventoryQty(t, db, "inv-abc"))
}

func TestApplyInvoice_QuantityDefaultsToOne(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 10)
	seedMapping(t, db, testTenant, "42", "inv-abc")
	inv := decodeInvoice(t, `{"invoice_id": "3003", "invoice_items": [{"product_id": "42"}, {"product_id": 42, "item_quantity": 0}]}`)

	res, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assertQty(t, 8, inventoryQty(t, db, "inv-abc"))
}

func TestApplyInvoice_NegativeStockIsNotClamped(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 1)
	seedMapping(t, db, testTenant, "42", "inv-abc")
	inv := decodeInvoice(t, `{"invoice_id": 4004, "invoice_items": [{"product_id": 42, "item_quantity": 5}]}`)

	_, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)
	assertQty(t, -4, inventoryQty(t, db, "inv-abc"))
}

func TestApplyInvoice_LineFailureDoesNotStopOthers(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 10)
	seedMapping(t, db, testTenant, "42", "inv-abc")
	seedMapping(t, db, testTenant, "43", "inv-gone")
	inv := decodeInvoice(t, `{"invoice_id": 5005, "invoice_items": [{"product_id": 43, "item_quantity": 1}, {"product_id": 42, "item_quantity": 2}]}`)

	res, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Failed)
	assertQty(t, 8, inventoryQty(t, db, "inv-abc"))

	var entry models.R2OSalesLogEntry
	require.NoError(t, db.Where("r2o_invoice_id = ?", "5005").Take(&entry).Error)
	assert.False(t, entry.Processed)
	assert.Equal(t, 1, entry.LinesApplied)
	assert.Equal(t, 1, entry.LinesFailed)

	var mappings []models.R2OProductMapping
	require.NoError(t, db.Find(&mappings).Error)
	for _, m := range mappings {
		assert.Equal(t, models.MappingSyncStatusPending, m.SyncStatus, m.ExternalProductId)
	}

	again, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, again.Outcome)
	assertQty(t, 8, inventoryQty(t, db, "inv-abc"))
}

func TestApplyInvoice_ConcurrentDuplicates(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 100)
	seedMapping(t, db, testTenant, "42", "inv-abc")
	inv := decodeInvoice(t, `{"invoice_id": 6006, "invoice_items": [{"product_id": 42, "item_quantity": 3}]}`)

	const workers = 8
	outcomes := make(chan ApplyOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.ApplyInvoice(context.Background(), testTenant, inv)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	applied := 0
	for o := range outcomes {
		if o == OutcomeApplied {
			applied++
		} else {
			assert.Equal(t, OutcomeDuplicate, o)
		}
	}
	assert.Equal(t, 1, applied)
	assertQty(t, 97, inventoryQty(t, db, "inv-abc"))
	assert.EqualValues(t, 1, countRows(t, db, &models.R2OSalesLogEntry{}))
}

func TestApplyInvoice_ConcurrentInvoicesSameItem(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())
	seedInventory(t, db, testTenant, "inv-abc", 100)
	seedMapping(t, db, testTenant, "42", "inv-abc")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inv := Invoice{
				InvoiceID: FlexibleID(strconv.Itoa(7000 + n)),
				Items:     []InvoiceItem{{ProductID: "42", Quantity: json.Number("2")}},
			}
			if _, err := engine.ApplyInvoice(context.Background(), testTenant, inv); err != nil {
				t.Errorf("apply: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assertQty(t, 80, inventoryQty(t, db, "inv-abc"))
	assert.EqualValues(t, 10, countRows(t, db, &models.R2OSalesLogEntry{}))
}

func TestApplyInvoice_RejectsMissingInvoiceId(t *testing.T) {
	db := newTestDB(t)
	engine := NewStockEngine(db, quietLogger())

	_, err := engine.ApplyInvoice(context.Background(), testTenant, Invoice{})
	assert.ErrorIs(t, err, ErrBadRequest)
}
