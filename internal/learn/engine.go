package learn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/storage"
)

// maxSuggestions bounds the ranked result list.
const maxSuggestions = 5

// Engine tokenizes transaction metadata into learning entries and produces
// ranked budget suggestions. Entries are derived state, fully rebuildable
// from the ledger.
type Engine struct {
	store *storage.SQLiteStorage
}

// NewEngine creates a learning engine over the given storage.
func NewEngine(store *storage.SQLiteStorage) *Engine {
	return &Engine{store: store}
}

// Observe refreshes the learning entries for a transaction after its
// categorization-relevant fields changed. A transaction without a budget
// assignment sheds its entries.
func (e *Engine) Observe(ctx context.Context, txn *model.Transaction) error {
	budgetID := dominantBudget(txn)
	if budgetID == "" {
		return e.store.DeleteLearningEntries(ctx, txn.ID)
	}

	payeeName := ""
	if txn.PayeeID != "" {
		payee, err := e.store.GetPayee(ctx, txn.PayeeID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("failed to resolve payee: %w", err)
		}
		if payee != nil {
			payeeName = payee.Name
		}
	}

	var entries []storage.LearningEntry
	for location, text := range map[string]string{
		LocPayee:         payeeName,
		LocMemo:          txn.Memo,
		LocImportedPayee: txn.ImportedPayee,
		LocImportedMemo:  txn.ImportedMemo,
	} {
		for _, hash := range Tokenize(text) {
			entries = append(entries, storage.LearningEntry{
				Location:      location,
				TokenHash:     hash,
				BudgetID:      budgetID,
				TransactionID: txn.ID,
				DocumentID:    txn.DocumentID,
			})
		}
	}

	return e.store.ReplaceLearningEntries(ctx, txn.ID, entries)
}

// Forget drops all entries for a deleted transaction.
func (e *Engine) Forget(ctx context.Context, transactionID string) error {
	return e.store.DeleteLearningEntries(ctx, transactionID)
}

// Rebuild regenerates every learning entry in the document from the
// ledger.
func (e *Engine) Rebuild(ctx context.Context, documentID string) error {
	ids, err := e.store.TransactionIDsWithBudgets(ctx, documentID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		txn, err := e.store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := e.Observe(ctx, txn); err != nil {
			return err
		}
	}
	return nil
}

// Suggest ranks budget candidates for the transaction. An exact identity
// match over the two most recent same-payee rows on the account wins
// outright; otherwise token usage ratios are accumulated per budget.
func (e *Engine) Suggest(ctx context.Context, txn *model.Transaction) ([]model.Suggestion, error) {
	if exact, err := e.exactMatch(ctx, txn); err != nil {
		return nil, err
	} else if exact != "" {
		return []model.Suggestion{{BudgetID: exact, Score: 1.0}}, nil
	}

	payeeName := ""
	if txn.PayeeID != "" {
		payee, err := e.store.GetPayee(ctx, txn.PayeeID)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		if payee != nil {
			payeeName = payee.Name
		}
	}

	scores := make(map[string]float64)
	for location, text := range map[string]string{
		LocPayee:         payeeName,
		LocMemo:          txn.Memo,
		LocImportedPayee: txn.ImportedPayee,
		LocImportedMemo:  txn.ImportedMemo,
	} {
		weight := locationWeights[location]
		for _, hash := range Tokenize(text) {
			counts, err := e.store.TokenBudgetCounts(ctx, txn.DocumentID, location, hash)
			if err != nil {
				return nil, err
			}
			total := 0
			for _, c := range counts {
				total += c.Count
			}
			if total == 0 {
				continue
			}
			for _, c := range counts {
				ratio := float64(c.Count) / float64(total)
				scores[c.BudgetID] += math.Sin(ratio) * weight / 4
			}
		}
	}

	suggestions := make([]model.Suggestion, 0, len(scores))
	for budgetID, score := range scores {
		suggestions = append(suggestions, model.Suggestion{BudgetID: budgetID, Score: score})
	}
	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].BudgetID < suggestions[j].BudgetID
	})
	if len(suggestions) > maxSuggestions {
		suggestions = suggestions[:maxSuggestions]
	}
	return suggestions, nil
}

// exactMatch checks the two most recent transactions sharing the
// candidate's payee identity; a single distinct budget among them is
// returned with full confidence.
func (e *Engine) exactMatch(ctx context.Context, txn *model.Transaction) (string, error) {
	recent, err := e.store.RecentTransactionsByIdentity(ctx, txn.AccountID, txn.PayeeID, txn.ImportedPayee, 2)
	if err != nil {
		return "", err
	}

	distinct := ""
	for _, r := range recent {
		if r.ID == txn.ID {
			continue
		}
		budget := dominantBudget(&r)
		if budget == "" {
			continue
		}
		if distinct == "" {
			distinct = budget
		} else if distinct != budget {
			return "", nil
		}
	}
	return distinct, nil
}

// dominantBudget picks the budget of the largest-magnitude budget unit.
// Transactions categorized against several envelopes give one signal, not
// a contradictory set.
func dominantBudget(txn *model.Transaction) string {
	budgetID := ""
	var best int64 = -1
	for _, u := range txn.Units {
		if u.Kind != model.UnitBudget || u.BudgetID == "" {
			continue
		}
		magnitude := u.Amount
		if magnitude < 0 {
			magnitude = -magnitude
		}
		if magnitude > best {
			best = magnitude
			budgetID = u.BudgetID
		}
	}
	return budgetID
}
