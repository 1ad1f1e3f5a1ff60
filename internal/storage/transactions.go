package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/model"
)

// SaveTransaction inserts or replaces one ledger transaction together with
// its units. The unit-sum invariant is enforced before anything is written.
func (s *SQLiteStorage) SaveTransaction(ctx context.Context, txn *model.Transaction) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateTransaction(txn); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, document_id, account_id, date, amount, payee_id,
			imported_id, imported_payee, memo, imported_memo, status, is_marker
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date,
			amount = excluded.amount,
			payee_id = excluded.payee_id,
			imported_id = excluded.imported_id,
			imported_payee = excluded.imported_payee,
			memo = excluded.memo,
			imported_memo = excluded.imported_memo,
			status = excluded.status,
			is_marker = excluded.is_marker
	`,
		txn.ID, txn.DocumentID, txn.AccountID, txn.Date, txn.Amount,
		nullable(txn.PayeeID), nullable(txn.ImportedID), nullable(txn.ImportedPayee),
		nullable(txn.Memo), nullable(txn.ImportedMemo), string(txn.Status), txn.IsMarker,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", txn.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM units WHERE transaction_id = ?`, txn.ID); err != nil {
		return fmt.Errorf("failed to clear units for %s: %w", txn.ID, err)
	}
	for _, u := range txn.Units {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO units (transaction_id, amount, kind, budget_id, transfer_account_id)
			VALUES (?, ?, ?, ?, ?)
		`, txn.ID, u.Amount, string(u.Kind), nullable(u.BudgetID), nullable(u.TransferAccountID))
		if err != nil {
			return fmt.Errorf("failed to save unit for %s: %w", txn.ID, err)
		}
	}

	return tx.Commit()
}

// GetTransaction retrieves one transaction with its units.
func (s *SQLiteStorage) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, selectTransaction+` WHERE id = ?`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s: %w", id, common.ErrNotFound)
		}
		return nil, err
	}
	if err := s.loadUnits(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// GetTransactionByImportedID finds the ledger row carrying the given
// external identifier on the given account.
func (s *SQLiteStorage) GetTransactionByImportedID(ctx context.Context, accountID, importedID string) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(accountID, "accountID"); err != nil {
		return nil, err
	}
	if err := validateString(importedID, "importedID"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		selectTransaction+` WHERE account_id = ? AND imported_id = ?`,
		accountID, importedID)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.loadUnits(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// GetTransactionsInRange returns all transactions for the account dated
// within [from, to], inclusive, ordered by date, with units loaded.
func (s *SQLiteStorage) GetTransactionsInRange(ctx context.Context, accountID string, from, to time.Time) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(accountID, "accountID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		selectTransaction+` WHERE account_id = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []model.Transaction
	for rows.Next() {
		txn, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		txns = append(txns, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	for i := range txns {
		if err := s.loadUnits(ctx, &txns[i]); err != nil {
			return nil, err
		}
	}
	return txns, nil
}

// DeleteTransaction deletes one transaction; its units cascade.
func (s *SQLiteStorage) DeleteTransaction(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %s: %w", id, err)
	}
	return nil
}

// Balance computes the account balance as of the given timestamp.
func (s *SQLiteStorage) Balance(ctx context.Context, accountID string, asOf time.Time) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateString(accountID, "accountID"); err != nil {
		return 0, err
	}

	var balance sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM transactions WHERE account_id = ? AND date <= ?`,
		accountID, asOf).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance.Int64, nil
}

// MarkCleared flips every normal-status row at or before the timestamp to
// cleared.
func (s *SQLiteStorage) MarkCleared(ctx context.Context, accountID string, asOf time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(accountID, "accountID"); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE account_id = ? AND date <= ? AND status = ?`,
		string(model.StatusCleared), accountID, asOf, string(model.StatusNormal))
	if err != nil {
		return fmt.Errorf("failed to mark cleared: %w", err)
	}
	return nil
}

// LatestMarker returns the most recent marker row at or before the given
// timestamp, or nil if none exists.
func (s *SQLiteStorage) LatestMarker(ctx context.Context, accountID string, before time.Time) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(accountID, "accountID"); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		selectTransaction+` WHERE account_id = ? AND is_marker = 1 AND date <= ? ORDER BY date DESC, created_at DESC LIMIT 1`,
		accountID, before)
	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.loadUnits(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// PayeeCountsByImportedPayee counts, per assigned payee, the document's
// rows sharing the given external payee string. Used for payee inference.
func (s *SQLiteStorage) PayeeCountsByImportedPayee(ctx context.Context, documentID, importedPayee string) (map[string]int, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(documentID, "documentID"); err != nil {
		return nil, err
	}
	if err := validateString(importedPayee, "importedPayee"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payee_id, COUNT(*) FROM transactions
		WHERE document_id = ? AND imported_payee = ? AND payee_id IS NOT NULL
		GROUP BY payee_id
	`, documentID, importedPayee)
	if err != nil {
		return nil, fmt.Errorf("failed to query payee counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var payeeID string
		var count int
		if err := rows.Scan(&payeeID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan payee count: %w", err)
		}
		counts[payeeID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payee counts: %w", err)
	}
	return counts, nil
}

// RecentTransactionsByIdentity returns the most recent transactions on the
// account sharing the given payee identity (assigned payee id, or failing
// that the external payee string), newest first.
func (s *SQLiteStorage) RecentTransactionsByIdentity(ctx context.Context, accountID, payeeID, importedPayee string, limit int) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(accountID, "accountID"); err != nil {
		return nil, err
	}
	if payeeID == "" && importedPayee == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 2
	}

	var rows *sql.Rows
	var err error
	if payeeID != "" {
		rows, err = s.db.QueryContext(ctx,
			selectTransaction+` WHERE account_id = ? AND payee_id = ? ORDER BY date DESC, created_at DESC LIMIT ?`,
			accountID, payeeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			selectTransaction+` WHERE account_id = ? AND imported_payee = ? ORDER BY date DESC, created_at DESC LIMIT ?`,
			accountID, importedPayee, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recent transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txns []model.Transaction
	for rows.Next() {
		txn, scanErr := scanTransaction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		txns = append(txns, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	for i := range txns {
		if err := s.loadUnits(ctx, &txns[i]); err != nil {
			return nil, err
		}
	}
	return txns, nil
}

const selectTransaction = `
	SELECT id, document_id, account_id, date, amount, payee_id,
	       imported_id, imported_payee, memo, imported_memo, status, is_marker
	FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var txn model.Transaction
	var payeeID, importedID, importedPayee, memo, importedMemo sql.NullString
	var status string

	err := row.Scan(&txn.ID, &txn.DocumentID, &txn.AccountID, &txn.Date, &txn.Amount,
		&payeeID, &importedID, &importedPayee, &memo, &importedMemo, &status, &txn.IsMarker)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	txn.PayeeID = payeeID.String
	txn.ImportedID = importedID.String
	txn.ImportedPayee = importedPayee.String
	txn.Memo = memo.String
	txn.ImportedMemo = importedMemo.String
	txn.Status = model.TransactionStatus(status)
	return &txn, nil
}

func (s *SQLiteStorage) loadUnits(ctx context.Context, txn *model.Transaction) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, amount, kind, budget_id, transfer_account_id
		FROM units WHERE transaction_id = ? ORDER BY id ASC
	`, txn.ID)
	if err != nil {
		return fmt.Errorf("failed to query units for %s: %w", txn.ID, err)
	}
	defer func() { _ = rows.Close() }()

	txn.Units = nil
	for rows.Next() {
		var u model.Unit
		var kind string
		var budgetID, transferAccountID sql.NullString
		if err := rows.Scan(&u.ID, &u.Amount, &kind, &budgetID, &transferAccountID); err != nil {
			return fmt.Errorf("failed to scan unit: %w", err)
		}
		u.Kind = model.UnitKind(kind)
		u.BudgetID = budgetID.String
		u.TransferAccountID = transferAccountID.String
		txn.Units = append(txn.Units, u)
	}
	return rows.Err()
}

// nullable maps the empty string to NULL so partial unique indexes and
// IS NULL filters behave.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
