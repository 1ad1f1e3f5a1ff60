package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/model"
)

// CreateDocument inserts a budget document.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, id, name string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO documents (id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// CreateAccount inserts a ledger account.
func (s *SQLiteStorage) CreateAccount(ctx context.Context, account *model.Account) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("%w: account", ErrNilParameter)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, document_id, name, off_budget) VALUES (?, ?, ?, ?)`,
		account.ID, account.DocumentID, account.Name, account.OffBudget)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves one account.
func (s *SQLiteStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	var a model.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, name, off_budget FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.DocumentID, &a.Name, &a.OffBudget)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// CreatePayee inserts a payee.
func (s *SQLiteStorage) CreatePayee(ctx context.Context, payee *model.Payee) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if payee == nil {
		return fmt.Errorf("%w: payee", ErrNilParameter)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payees (id, document_id, name) VALUES (?, ?, ?)`,
		payee.ID, payee.DocumentID, payee.Name)
	if err != nil {
		return fmt.Errorf("failed to create payee: %w", err)
	}
	return nil
}

// GetPayee retrieves one payee.
func (s *SQLiteStorage) GetPayee(ctx context.Context, id string) (*model.Payee, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(id, "id"); err != nil {
		return nil, err
	}

	var p model.Payee
	err := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, name FROM payees WHERE id = ?`, id).
		Scan(&p.ID, &p.DocumentID, &p.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payee %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payee: %w", err)
	}
	return &p, nil
}

// CreateBudget inserts a budget envelope.
func (s *SQLiteStorage) CreateBudget(ctx context.Context, budget *model.Budget) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if budget == nil {
		return fmt.Errorf("%w: budget", ErrNilParameter)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (id, document_id, name, hidden) VALUES (?, ?, ?, ?)`,
		budget.ID, budget.DocumentID, budget.Name, budget.Hidden)
	if err != nil {
		return fmt.Errorf("failed to create budget: %w", err)
	}
	return nil
}

// ListBudgets returns the document's budgets, optionally including hidden
// ones.
func (s *SQLiteStorage) ListBudgets(ctx context.Context, documentID string, includeHidden bool) ([]model.Budget, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(documentID, "documentID"); err != nil {
		return nil, err
	}

	query := `SELECT id, document_id, name, hidden FROM budgets WHERE document_id = ?`
	if !includeHidden {
		query += ` AND hidden = 0`
	}

	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var budgets []model.Budget
	for rows.Next() {
		var b model.Budget
		if err := rows.Scan(&b.ID, &b.DocumentID, &b.Name, &b.Hidden); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}
