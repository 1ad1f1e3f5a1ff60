package recon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centavo-app/centavo/internal/learn"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/testutil"
)

func TestReconcileCreatesMarkerForDelta(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	db.MustSaveTransaction(&model.Transaction{
		ID:     "t-1",
		Date:   testutil.Date(2026, time.March, 1),
		Amount: -500,
	})
	db.MustSaveTransaction(&model.Transaction{
		ID:     "t-2",
		Date:   testutil.Date(2026, time.March, 3),
		Amount: -300,
	})

	asOf := testutil.Date(2026, time.March, 10)
	marker, err := engine.Reconcile(ctx, db.AccountID, -1000, asOf)
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.True(t, marker.IsMarker)
	assert.Equal(t, int64(-200), marker.Amount)
	assert.Equal(t, model.StatusCleared, marker.Status)

	balance, err := db.Storage.Balance(ctx, db.AccountID, asOf)
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), balance)

	for _, id := range []string{"t-1", "t-2"} {
		txn, err := db.Storage.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCleared, txn.Status)
	}
}

func TestReconcileNoMarkerWhenBalanced(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	db.MustSaveTransaction(&model.Transaction{
		ID:     "t-1",
		Date:   testutil.Date(2026, time.March, 1),
		Amount: -500,
	})

	marker, err := engine.Reconcile(ctx, db.AccountID, -500, testutil.Date(2026, time.March, 10))
	require.NoError(t, err)
	assert.Nil(t, marker)

	txn, err := db.Storage.GetTransaction(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCleared, txn.Status, "clearing still happens without a delta")
}

func TestReconcileCopiesPriorMarkerCategorization(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	db.MustCreateBudget("b-adjust", "Adjustments", false)
	db.MustSaveTransaction(&model.Transaction{
		ID:       "m-1",
		Date:     testutil.Date(2026, time.February, 1),
		Amount:   150,
		Status:   model.StatusCleared,
		IsMarker: true,
		Units: []model.Unit{
			{Amount: 150, Kind: model.UnitBudget, BudgetID: "b-adjust"},
		},
	})

	marker, err := engine.Reconcile(ctx, db.AccountID, 400, testutil.Date(2026, time.March, 10))
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, int64(250), marker.Amount)
	require.Len(t, marker.Units, 1)
	assert.Equal(t, "b-adjust", marker.Units[0].BudgetID)
	assert.Equal(t, int64(250), marker.Units[0].Amount)
}

func TestReconcileLeavesMarkerUncategorizedWithoutSingleUnitPrior(t *testing.T) {
	engine, db := newTestEngine(t)
	ctx := context.Background()

	db.MustCreateBudget("b-a", "A", false)
	db.MustCreateBudget("b-b", "B", false)
	db.MustSaveTransaction(&model.Transaction{
		ID:       "m-split",
		Date:     testutil.Date(2026, time.February, 1),
		Amount:   100,
		Status:   model.StatusCleared,
		IsMarker: true,
		Units: []model.Unit{
			{Amount: 60, Kind: model.UnitBudget, BudgetID: "b-a"},
			{Amount: 40, Kind: model.UnitBudget, BudgetID: "b-b"},
		},
	})

	marker, err := engine.Reconcile(ctx, db.AccountID, 300, testutil.Date(2026, time.March, 10))
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Empty(t, marker.Units)
}

func TestReconcileNotifiesRecalculator(t *testing.T) {
	db := testutil.SetupTestDB(t)
	recalc := &recordingRecalculator{}
	engine := NewEngine(db.Storage, learn.NewEngine(db.Storage), recalc, nil)

	_, err := engine.Reconcile(context.Background(), db.AccountID, 100, testutil.Date(2026, time.March, 10))
	require.NoError(t, err)
	require.Len(t, recalc.months, 1)
	assert.Equal(t, testutil.Date(2026, time.March, 1), recalc.months[0])
}
