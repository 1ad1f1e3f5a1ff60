package storage

import (
	"context"
	"fmt"
)

// LearningEntry is one (location, token, budget) signal derived from a
// transaction's categorization-relevant text.
type LearningEntry struct {
	Location      string
	TokenHash     string
	BudgetID      string
	TransactionID string
	DocumentID    string
}

// ReplaceLearningEntries deletes the transaction's previous entries and
// writes the given set. Called whenever categorization-relevant fields
// change; an empty set just clears.
func (s *SQLiteStorage) ReplaceLearningEntries(ctx context.Context, transactionID string, entries []LearningEntry) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(transactionID, "transactionID"); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM learning_entries WHERE transaction_id = ?`, transactionID); err != nil {
		return fmt.Errorf("failed to clear learning entries: %w", err)
	}

	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO learning_entries
				(location, token_hash, budget_id, transaction_id, document_id)
			VALUES (?, ?, ?, ?, ?)
		`, e.Location, e.TokenHash, e.BudgetID, e.TransactionID, e.DocumentID)
		if err != nil {
			return fmt.Errorf("failed to insert learning entry: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteLearningEntries removes all entries for the transaction.
func (s *SQLiteStorage) DeleteLearningEntries(ctx context.Context, transactionID string) error {
	return s.ReplaceLearningEntries(ctx, transactionID, nil)
}

// TokenBudgetCount is the aggregate use of one (location, token) pair for
// one budget.
type TokenBudgetCount struct {
	BudgetID string
	Count    int
}

// TokenBudgetCounts returns, per budget, how often the (location, token)
// pair occurs in the document. Hidden budgets are excluded.
func (s *SQLiteStorage) TokenBudgetCounts(ctx context.Context, documentID, location, tokenHash string) ([]TokenBudgetCount, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(documentID, "documentID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT le.budget_id, COUNT(*)
		FROM learning_entries le
		JOIN budgets b ON b.id = le.budget_id
		WHERE le.document_id = ? AND le.location = ? AND le.token_hash = ?
		  AND b.hidden = 0
		GROUP BY le.budget_id
	`, documentID, location, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query token counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []TokenBudgetCount
	for rows.Next() {
		var c TokenBudgetCount
		if err := rows.Scan(&c.BudgetID, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan token count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// TransactionIDsWithBudgets lists every transaction in the document whose
// units reference a budget. Used for learning-entry rebuilds.
func (s *SQLiteStorage) TransactionIDsWithBudgets(ctx context.Context, documentID string) ([]string, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(documentID, "documentID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT t.id
		FROM transactions t
		JOIN units u ON u.transaction_id = t.id
		WHERE t.document_id = ? AND u.budget_id IS NOT NULL
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions with budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
