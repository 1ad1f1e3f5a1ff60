// Package testutil provides shared test fixtures for storage-backed tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/storage"
)

// TestDB wraps an in-memory database pre-seeded with one document and one
// account.
type TestDB struct {
	Storage    *storage.SQLiteStorage
	DocumentID string
	AccountID  string
	t          *testing.T
}

// SetupTestDB creates a migrated in-memory database with a default
// document ("doc-1") and account ("acct-1"). Cleanup is automatic.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	if err := store.CreateDocument(ctx, "doc-1", "Test Budget"); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}
	if err := store.CreateAccount(ctx, &model.Account{
		ID: "acct-1", DocumentID: "doc-1", Name: "Checking",
	}); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return &TestDB{
		Storage:    store,
		DocumentID: "doc-1",
		AccountID:  "acct-1",
		t:          t,
	}
}

// MustSaveTransaction saves a transaction or fails the test.
func (db *TestDB) MustSaveTransaction(txn *model.Transaction) {
	db.t.Helper()
	if txn.DocumentID == "" {
		txn.DocumentID = db.DocumentID
	}
	if txn.AccountID == "" {
		txn.AccountID = db.AccountID
	}
	if txn.Status == "" {
		txn.Status = model.StatusNormal
	}
	if err := db.Storage.SaveTransaction(context.Background(), txn); err != nil {
		db.t.Fatalf("failed to save transaction %s: %v", txn.ID, err)
	}
}

// MustCreateBudget seeds a budget envelope or fails the test.
func (db *TestDB) MustCreateBudget(id, name string, hidden bool) {
	db.t.Helper()
	if err := db.Storage.CreateBudget(context.Background(), &model.Budget{
		ID: id, DocumentID: db.DocumentID, Name: name, Hidden: hidden,
	}); err != nil {
		db.t.Fatalf("failed to create budget %s: %v", id, err)
	}
}

// MustCreatePayee seeds a payee or fails the test.
func (db *TestDB) MustCreatePayee(id, name string) {
	db.t.Helper()
	if err := db.Storage.CreatePayee(context.Background(), &model.Payee{
		ID: id, DocumentID: db.DocumentID, Name: name,
	}); err != nil {
		db.t.Fatalf("failed to create payee %s: %v", id, err)
	}
}

// Date is shorthand for a UTC midnight timestamp.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
