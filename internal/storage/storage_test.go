package storage_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/storage"
	"github.com/centavo-app/centavo/internal/testutil"
)

func TestSaveTransactionUpsertsWithUnits(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	db.MustCreateBudget("b-food", "Food", false)

	txn := &model.Transaction{
		ID:         "t-1",
		DocumentID: db.DocumentID,
		AccountID:  db.AccountID,
		Date:       testutil.Date(2026, time.March, 5),
		Amount:     -500,
		Status:     model.StatusNormal,
		Units: []model.Unit{
			{Amount: -500, Kind: model.UnitBudget, BudgetID: "b-food"},
		},
	}
	require.NoError(t, db.Storage.SaveTransaction(ctx, txn))

	// Second save replaces the units rather than accumulating them.
	txn.Amount = -700
	txn.Units = []model.Unit{
		{Amount: -700, Kind: model.UnitBudget, BudgetID: "b-food"},
	}
	require.NoError(t, db.Storage.SaveTransaction(ctx, txn))

	got, err := db.Storage.GetTransaction(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-700), got.Amount)
	require.Len(t, got.Units, 1)
	assert.Equal(t, int64(-700), got.Units[0].Amount)
}

func TestSaveTransactionRejectsUnitSumMismatch(t *testing.T) {
	db := testutil.SetupTestDB(t)
	db.MustCreateBudget("b-a", "A", false)
	db.MustCreateBudget("b-b", "B", false)

	err := db.Storage.SaveTransaction(context.Background(), &model.Transaction{
		ID:         "t-bad",
		DocumentID: db.DocumentID,
		AccountID:  db.AccountID,
		Date:       testutil.Date(2026, time.March, 5),
		Amount:     -500,
		Status:     model.StatusNormal,
		Units: []model.Unit{
			{Amount: -300, Kind: model.UnitBudget, BudgetID: "b-a"},
			{Amount: -100, Kind: model.UnitBudget, BudgetID: "b-b"},
		},
	})
	require.ErrorIs(t, err, common.ErrUnitSumMismatch)

	got, err := db.Storage.GetTransaction(context.Background(), "t-bad")
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.Nil(t, got)
}

func TestGetTransactionByImportedIDAbsent(t *testing.T) {
	db := testutil.SetupTestDB(t)

	got, err := db.Storage.GetTransactionByImportedID(context.Background(), db.AccountID, "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetTransactionsInRangeIsInclusive(t *testing.T) {
	db := testutil.SetupTestDB(t)
	for day, id := range map[int]string{4: "t-4", 5: "t-5", 6: "t-6", 7: "t-7"} {
		db.MustSaveTransaction(&model.Transaction{
			ID: id, Date: testutil.Date(2026, time.March, day), Amount: -100,
		})
	}

	got, err := db.Storage.GetTransactionsInRange(context.Background(), db.AccountID,
		testutil.Date(2026, time.March, 5), testutil.Date(2026, time.March, 6))
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestBalanceAndMarkCleared(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	db.MustSaveTransaction(&model.Transaction{
		ID: "t-1", Date: testutil.Date(2026, time.March, 1), Amount: -500,
	})
	db.MustSaveTransaction(&model.Transaction{
		ID: "t-2", Date: testutil.Date(2026, time.March, 10), Amount: -300,
	})

	balance, err := db.Storage.Balance(ctx, db.AccountID, testutil.Date(2026, time.March, 5))
	require.NoError(t, err)
	assert.Equal(t, int64(-500), balance, "later rows are excluded")

	require.NoError(t, db.Storage.MarkCleared(ctx, db.AccountID, testutil.Date(2026, time.March, 5)))

	t1, err := db.Storage.GetTransaction(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCleared, t1.Status)

	t2, err := db.Storage.GetTransaction(ctx, "t-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNormal, t2.Status, "rows after the cutoff stay normal")
}

func TestLatestMarkerPicksMostRecent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	none, err := db.Storage.LatestMarker(ctx, db.AccountID, testutil.Date(2026, time.March, 31))
	require.NoError(t, err)
	assert.Nil(t, none)

	db.MustSaveTransaction(&model.Transaction{
		ID: "m-1", Date: testutil.Date(2026, time.January, 1), Amount: 100,
		Status: model.StatusCleared, IsMarker: true,
	})
	db.MustSaveTransaction(&model.Transaction{
		ID: "m-2", Date: testutil.Date(2026, time.February, 1), Amount: 50,
		Status: model.StatusCleared, IsMarker: true,
	})

	got, err := db.Storage.LatestMarker(ctx, db.AccountID, testutil.Date(2026, time.March, 31))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m-2", got.ID)

	earlier, err := db.Storage.LatestMarker(ctx, db.AccountID, testutil.Date(2026, time.January, 15))
	require.NoError(t, err)
	require.NotNil(t, earlier)
	assert.Equal(t, "m-1", earlier.ID)
}

func TestSaveConfigFieldsEnforcesLengthBudget(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Storage.CreatePluginInstance(ctx, &model.InstanceRecord{
		ID: "inst-1", Type: "testbank", DocumentID: db.DocumentID,
	}))

	err := db.Storage.SaveConfigFields(ctx, "inst-1", map[string]string{
		"ok":  "short",
		"big": strings.Repeat("x", storage.MaxFieldValueLen+1),
	})
	require.ErrorIs(t, err, storage.ErrValueTooLong)

	// The save is all-or-nothing: the valid field must not have landed.
	stored, err := db.Storage.GetConfigFields(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestPluginKVRoundtrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Storage.CreatePluginInstance(ctx, &model.InstanceRecord{
		ID: "inst-1", Type: "testbank", DocumentID: db.DocumentID,
	}))

	kv := db.Storage.KVForInstance("inst-1")

	missing, err := kv.Get(ctx, "cursor")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), missing)

	require.NoError(t, kv.Set(ctx, "cursor", json.RawMessage(`{"page":3}`)))
	require.NoError(t, kv.Set(ctx, "cursor", json.RawMessage(`{"page":4}`)))

	got, err := kv.Get(ctx, "cursor")
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":4}`, string(got))

	// Other instances do not see the key.
	require.NoError(t, db.Storage.CreatePluginInstance(ctx, &model.InstanceRecord{
		ID: "inst-2", Type: "testbank", DocumentID: db.DocumentID,
	}))
	other, err := db.Storage.KVForInstance("inst-2").Get(ctx, "cursor")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), other)
}

func TestDeletePluginInstanceCascades(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Storage.CreatePluginInstance(ctx, &model.InstanceRecord{
		ID: "inst-1", Type: "testbank", DocumentID: db.DocumentID,
	}))
	require.NoError(t, db.Storage.SaveConfigFields(ctx, "inst-1", map[string]string{"token": "abc"}))
	require.NoError(t, db.Storage.KVForInstance("inst-1").Set(ctx, "cursor", json.RawMessage(`1`)))

	require.NoError(t, db.Storage.DeletePluginInstance(ctx, "inst-1"))

	recs, err := db.Storage.ListPluginInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	fields, err := db.Storage.GetConfigFields(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, fields)

	value, err := db.Storage.KVForInstance("inst-1").Get(ctx, "cursor")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), value)
}
