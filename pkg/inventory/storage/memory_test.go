package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiWarehouse/pkg/allocation"
	"github.com/nemonet1337/zaiWarehouse/pkg/inventory"
	"github.com/nemonet1337/zaiWarehouse/pkg/stocktake"
	"github.com/nemonet1337/zaiWarehouse/pkg/workflow"
)

func qty(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestMemoryStorage_ApplyPosting(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	m.PutStock(inventory.Stock{MaterialID: "M1", LocationID: "A1", Quantity: qty(5)})

	posting := &inventory.Posting{
		ID:        "p-1",
		Reference: "ST-1",
		Deltas: []inventory.LedgerDelta{
			{MaterialID: "M1", LocationID: "A1", Quantity: qty(-2)},
			{MaterialID: "M9", LocationID: "A1", Quantity: qty(4)},
		},
		PostedAt: time.Now(),
		PostedBy: "tester",
	}
	require.NoError(t, m.ApplyPosting(ctx, posting, false))

	stock, err := m.GetStock(ctx, "M1", "A1")
	require.NoError(t, err)
	assert.True(t, stock.Quantity.Equal(qty(3)))
	assert.Equal(t, int64(2), stock.Version)

	created, err := m.GetStock(ctx, "M9", "A1")
	require.NoError(t, err)
	assert.True(t, created.Quantity.Equal(qty(4)))

	// 同じ参照番号は一度だけ
	assert.ErrorIs(t, m.ApplyPosting(ctx, posting, false), inventory.ErrAlreadyPosted)
	stock, _ = m.GetStock(ctx, "M1", "A1")
	assert.True(t, stock.Quantity.Equal(qty(3)))

	txs, err := m.GetTransactionsByReference(ctx, "ST-1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestMemoryStorage_ApplyPosting_NegativeRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	m.PutStock(inventory.Stock{MaterialID: "M1", LocationID: "A1", Quantity: qty(5)})
	m.PutStock(inventory.Stock{MaterialID: "M2", LocationID: "A1", Quantity: qty(1)})

	err := m.ApplyPosting(ctx, &inventory.Posting{
		Reference: "ST-2",
		Deltas: []inventory.LedgerDelta{
			{MaterialID: "M1", LocationID: "A1", Quantity: qty(3)},
			{MaterialID: "M2", LocationID: "A1", Quantity: qty(-2)},
		},
	}, false)

	var ruleErr *inventory.BusinessRuleError
	require.True(t, errors.As(err, &ruleErr))

	stock, _ := m.GetStock(ctx, "M1", "A1")
	assert.True(t, stock.Quantity.Equal(qty(5)), "no delta may be applied")

	// 参照番号は未計上のまま
	require.NoError(t, m.ApplyPosting(ctx, &inventory.Posting{Reference: "ST-2"}, false))
}

func TestMemoryStorage_LocationsHolding(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	m.PutLocation(inventory.Location{ID: "A1", IsActive: true})
	m.PutLocation(inventory.Location{ID: "A2", IsActive: true})
	m.PutLocation(inventory.Location{ID: "X1", IsActive: false})
	m.PutStock(inventory.Stock{MaterialID: "M1", LocationID: "A2", Quantity: qty(1)})
	m.PutStock(inventory.Stock{MaterialID: "M1", LocationID: "A1", Quantity: qty(0)})
	m.PutStock(inventory.Stock{MaterialID: "M1", LocationID: "X1", Quantity: qty(9)})

	ids, err := m.LocationsHolding(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A2"}, ids)

	_, err = m.GetLocation(ctx, "X1")
	assert.ErrorIs(t, err, inventory.ErrLocationNotFound)
}

func newCountingStocktake(t *testing.T, repo *MemoryStocktakeRepository) *stocktake.Stocktake {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, repo.Create(ctx, &stocktake.Stocktake{ID: "st-1", Name: "棚卸", CurrentStep: stocktake.StepDraft, Version: 1, CreatedAt: now}))
	require.NoError(t, repo.InsertAssignment(ctx, &stocktake.Assignment{ID: "as-1", StocktakeID: "st-1", LocationID: "A1", Status: stocktake.AssignmentPending}))
	require.NoError(t, repo.StartCounting(ctx, "st-1", 2, []stocktake.Result{
		{ID: "r-1", StocktakeID: "st-1", MaterialID: "M1", LocationID: "A1", BookQuantity: qty(5), ActualQuantity: qty(5), Version: 1},
		{ID: "r-2", StocktakeID: "st-1", MaterialID: "M2", LocationID: "A1", BookQuantity: qty(2), ActualQuantity: qty(2), Version: 1},
	}, now))
	st, err := repo.Get(ctx, "st-1")
	require.NoError(t, err)
	return st
}

func TestMemoryStocktakeRepository_InsertAssignment_Duplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStorage().Stocktakes()
	require.NoError(t, repo.Create(ctx, &stocktake.Stocktake{ID: "st-1", CurrentStep: stocktake.StepDraft, Version: 1}))
	require.NoError(t, repo.InsertAssignment(ctx, &stocktake.Assignment{ID: "a", StocktakeID: "st-1", LocationID: "A1"}))

	err := repo.InsertAssignment(ctx, &stocktake.Assignment{ID: "b", StocktakeID: "st-1", LocationID: "A1"})
	assert.ErrorIs(t, err, inventory.ErrDuplicateLocation)

	st, _ := repo.Get(ctx, "st-1")
	assert.Len(t, st.Assignments, 1)
	assert.Equal(t, int64(2), st.Version)
}

func TestMemoryStocktakeRepository_SaveResults(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStorage().Stocktakes()
	st := newCountingStocktake(t, repo)

	saved, err := repo.SaveResults(ctx, st.ID, []stocktake.ResultEdit{
		{ResultID: "r-1", ActualQuantity: qty(4), Version: 1},
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved[0].Version)

	_, err = repo.SaveResults(ctx, st.ID, []stocktake.ResultEdit{
		{ResultID: "r-2", ActualQuantity: qty(1), Version: 1},
		{ResultID: "r-1", ActualQuantity: qty(9), Version: 1},
	}, time.Now())
	var conflict *inventory.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"r-1"}, conflict.StaleIDs)

	after, _ := repo.Get(ctx, st.ID)
	assert.True(t, after.Results[1].ActualQuantity.Equal(qty(2)), "no partial write")
	assert.Equal(t, st.Version+1, after.Version)
}

// TestMemoryStocktakeRepository_ReconcileBarrier は読み取り後の結果保存で差異確認が競合になることのテスト
func TestMemoryStocktakeRepository_ReconcileBarrier(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStorage().Stocktakes()
	st := newCountingStocktake(t, repo)
	require.NoError(t, repo.UpdateAssignmentStatus(ctx, st.ID, "as-1", stocktake.AssignmentCompleted, time.Now()))

	read, err := repo.Get(ctx, st.ID)
	require.NoError(t, err)

	_, err = repo.SaveResults(ctx, st.ID, []stocktake.ResultEdit{
		{ResultID: "r-2", ActualQuantity: qty(0), Version: 1},
	}, time.Now())
	require.NoError(t, err)

	err = repo.AdvanceStep(ctx, st.ID, stocktake.EventReconcile, read.Version, time.Now())
	assert.ErrorIs(t, err, inventory.ErrConflict)

	fresh, _ := repo.Get(ctx, st.ID)
	require.NoError(t, repo.AdvanceStep(ctx, st.ID, stocktake.EventReconcile, fresh.Version, time.Now()))

	// 差異確認後の保存は状態遷移エラー
	_, err = repo.SaveResults(ctx, st.ID, []stocktake.ResultEdit{
		{ResultID: "r-2", ActualQuantity: qty(3), Version: 2},
	}, time.Now())
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)
	err = repo.UpdateAssignmentStatus(ctx, st.ID, "as-1", stocktake.AssignmentPending, time.Now())
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)
}

func TestMemoryDocumentStore_TransitionReceipt(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	m.PutReceipt(workflow.Receipt{
		ID:     "rc-1",
		Status: workflow.ReceiptAwaitingPutAway,
		Items:  []workflow.ReceiptItem{{ID: "i-1", MaterialID: "M1", ReceivingQuantity: qty(3)}},
	})
	store := m.Documents()
	splits := map[string][]allocation.Split{"i-1": {{Location: "A1", Quantity: qty(3)}}}
	from := []workflow.ReceiptStatus{workflow.ReceiptAwaitingPutAway}

	require.NoError(t, store.TransitionReceipt(ctx, "rc-1", from, workflow.ReceiptCompleted, splits))
	err := store.TransitionReceipt(ctx, "rc-1", from, workflow.ReceiptCompleted, splits)
	assert.ErrorIs(t, err, inventory.ErrInvalidTransition)

	r, err := store.GetReceipt(ctx, "rc-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ReceiptCompleted, r.Status)
	assert.Equal(t, "A1", r.Items[0].Splits[0].Location)

	err = store.SaveReceiptSplits(ctx, "missing", from, splits)
	assert.ErrorIs(t, err, inventory.ErrDocumentNotFound)
}
