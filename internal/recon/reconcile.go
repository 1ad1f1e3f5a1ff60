package recon

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/centavo-app/centavo/internal/events"
	"github.com/centavo-app/centavo/internal/model"
)

// Reconcile records a manual balance assertion: the ledger is declared to
// hold targetBalance as of the given timestamp. Every normal-status row up
// to that point is marked cleared, and any delta between the asserted and
// computed balance becomes a new marker row. When the previous marker
// carries exactly one unit, the new marker inherits its categorization so
// envelope assignment stays continuous across repeated reconciliations.
func (e *Engine) Reconcile(ctx context.Context, accountID string, targetBalance int64, asOf time.Time) (*model.Transaction, error) {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	computed, err := e.store.Balance(ctx, accountID, asOf)
	if err != nil {
		return nil, err
	}
	delta := targetBalance - computed

	prior, err := e.store.LatestMarker(ctx, accountID, asOf)
	if err != nil {
		return nil, err
	}

	if err := e.store.MarkCleared(ctx, accountID, asOf); err != nil {
		return nil, err
	}

	var marker *model.Transaction
	if delta != 0 {
		marker = &model.Transaction{
			ID:         uuid.NewString(),
			DocumentID: account.DocumentID,
			AccountID:  accountID,
			Date:       asOf,
			Amount:     delta,
			Status:     model.StatusCleared,
			IsMarker:   true,
		}
		if prior != nil && len(prior.Units) == 1 {
			u := prior.Units[0]
			marker.Units = []model.Unit{{
				Amount:            delta,
				Kind:              u.Kind,
				BudgetID:          u.BudgetID,
				TransferAccountID: u.TransferAccountID,
			}}
		}
		if err := e.store.SaveTransaction(ctx, marker); err != nil {
			return nil, err
		}
		if err := e.learner.Observe(ctx, marker); err != nil {
			slog.Warn("failed to refresh learning entries", "transaction", marker.ID, "error", err)
		}
	}

	if e.recalc != nil {
		if err := e.recalc.Recalculate(ctx, accountID, []time.Time{monthOf(asOf)}); err != nil {
			return nil, err
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.KindAccountUpdated, AccountID: accountID})
	}

	return marker, nil
}
