package recon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/centavo-app/centavo/internal/events"
	"github.com/centavo-app/centavo/internal/learn"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/storage"
)

// softMatchWindow is the per-reference time window of the soft id-recovery
// strategy.
const softMatchWindow = 24 * time.Hour

// payeeInferenceThreshold is the minimum occurrence count before a
// most-frequent payee is adopted for an unassigned row.
const payeeInferenceThreshold = 3

// Engine reconciles reference batches against the ledger.
type Engine struct {
	store     *storage.SQLiteStorage
	learner   *learn.Engine
	providers ProviderSource
	recalc    Recalculator
	bus       *events.Bus
}

// NewEngine creates a reconciliation engine. recalc and bus may be nil;
// providers is attached later via SetProviders once the registry exists.
func NewEngine(store *storage.SQLiteStorage, learner *learn.Engine, recalc Recalculator, bus *events.Bus) *Engine {
	return &Engine{store: store, learner: learner, recalc: recalc, bus: bus}
}

// SetProviders attaches the source of metadata-augmenting integrations.
func (e *Engine) SetProviders(src ProviderSource) {
	e.providers = src
}

// batchState carries the per-batch bookkeeping shared by the reference
// pipeline stages.
type batchState struct {
	account    *model.Account
	window     []model.Transaction // ledger rows around the batch span
	claimedIDs map[string]struct{} // external ids present in the reference set
	resolved   map[string]struct{} // ledger row ids resolved by some reference
	payeeCache map[string]string   // imported payee -> inferred payee id
	// months vacated by date overwrites; a reference can move a row into
	// a different month and the old one needs recalculating too
	months   map[time.Time]struct{}
	spanFrom time.Time
	spanTo   time.Time
}

// Sync makes the persisted ledger for the account consistent with the
// reference set over the batch's covered time span. Failures on one
// reference are logged and skipped; they never abort the batch. The
// returned slice holds every resolved row in reference order.
func (e *Engine) Sync(ctx context.Context, accountID string, refs []model.Reference) ([]model.Transaction, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	st := &batchState{
		account:    account,
		claimedIDs: make(map[string]struct{}),
		resolved:   make(map[string]struct{}),
		payeeCache: make(map[string]string),
		months:     make(map[time.Time]struct{}),
		spanFrom:   refs[0].Time,
		spanTo:     refs[0].Time,
	}
	for _, ref := range refs {
		if ref.Time.Before(st.spanFrom) {
			st.spanFrom = ref.Time
		}
		if ref.Time.After(st.spanTo) {
			st.spanTo = ref.Time
		}
		if ref.ImportedID != "" {
			st.claimedIDs[ref.ImportedID] = struct{}{}
		}
	}

	// One read covers every per-reference ±1 day window.
	st.window, err = e.store.GetTransactionsInRange(ctx, accountID,
		st.spanFrom.Add(-softMatchWindow), st.spanTo.Add(softMatchWindow))
	if err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	var results []model.Transaction
	for i, ref := range refs {
		txn, refErr := e.applyReference(ctx, st, ref)
		if refErr != nil {
			slog.Error("reference failed, skipping",
				"batch", batchID, "index", i, "account", accountID, "error", refErr)
			continue
		}
		results = append(results, *txn)
	}

	// Finalization must run only after all references are resolved.
	affected, err := e.finalize(ctx, st)
	if err != nil {
		return nil, err
	}
	for _, txn := range results {
		affected[monthOf(txn.Date)] = struct{}{}
	}
	for m := range st.months {
		affected[m] = struct{}{}
	}

	if e.recalc != nil && len(affected) > 0 {
		months := make([]time.Time, 0, len(affected))
		for m := range affected {
			months = append(months, m)
		}
		sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
		if err := e.recalc.Recalculate(ctx, accountID, months); err != nil {
			return nil, fmt.Errorf("recalculation failed: %w", err)
		}
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Kind: events.KindAccountUpdated, AccountID: accountID})
	}

	return results, nil
}

// applyReference runs the per-reference pipeline: match, resolve, augment,
// persist.
func (e *Engine) applyReference(ctx context.Context, st *batchState, ref model.Reference) (*model.Transaction, error) {
	txn, err := e.match(ctx, st, ref)
	if err != nil {
		return nil, err
	}

	// Overwrite the externally owned fields on the resolved row. The old
	// date's month is captured first: a moved row leaves stale aggregates
	// behind it.
	if !txn.Date.IsZero() {
		st.months[monthOf(txn.Date)] = struct{}{}
	}
	txn.Amount = ref.Amount
	txn.Date = ref.Time
	txn.ImportedPayee = ref.ImportedPayee
	txn.ImportedMemo = ref.Memo
	if ref.Status != "" {
		txn.Status = ref.Status
	} else if txn.Status == "" {
		txn.Status = model.StatusNormal
	}

	if txn.PayeeID == "" && txn.ImportedPayee != "" {
		if payeeID, pErr := e.inferPayee(ctx, st, txn.ImportedPayee); pErr != nil {
			slog.Warn("payee inference failed", "importedPayee", txn.ImportedPayee, "error", pErr)
		} else if payeeID != "" {
			txn.PayeeID = payeeID
		}
	}

	e.augment(ctx, txn)

	// A multi-unit row whose new total disagrees with its unit sum gets an
	// uncategorized adjustment unit; the imbalance is surfaced, not hidden.
	if len(txn.Units) > 1 {
		if diff := txn.Amount - txn.UnitSum(); diff != 0 {
			txn.Units = append(txn.Units, model.Unit{Amount: diff, Kind: model.UnitBudget})
		}
	}

	if err := e.store.SaveTransaction(ctx, txn); err != nil {
		return nil, err
	}
	if err := e.learner.Observe(ctx, txn); err != nil {
		slog.Warn("failed to refresh learning entries", "transaction", txn.ID, "error", err)
	}

	st.resolved[txn.ID] = struct{}{}
	return txn, nil
}

// match resolves a reference to a ledger row, trying each strategy in
// order; the first match wins, and no match constructs a new row.
func (e *Engine) match(ctx context.Context, st *batchState, ref model.Reference) (*model.Transaction, error) {
	// Exact external id.
	if ref.ImportedID != "" {
		txn, err := e.store.GetTransactionByImportedID(ctx, st.account.ID, ref.ImportedID)
		if err != nil {
			return nil, err
		}
		if txn != nil {
			return txn, nil
		}

		// Soft id recovery: adopt a close unclaimed row and assign it the
		// reference's id. Multiple qualifying candidates are a non-match.
		if txn := e.softMatch(st, ref); txn != nil {
			txn.ImportedID = ref.ImportedID
			return txn, nil
		}
	} else {
		// Manual imports carry no id; fall back to exact then loose field
		// equality, each requiring exactly one candidate.
		if txn := e.fallbackMatch(st, ref, true); txn != nil {
			return txn, nil
		}
		if txn := e.fallbackMatch(st, ref, false); txn != nil {
			return txn, nil
		}
	}

	created := &model.Transaction{
		ID:         uuid.NewString(),
		DocumentID: st.account.DocumentID,
		AccountID:  st.account.ID,
		ImportedID: ref.ImportedID,
		Status:     model.StatusNormal,
	}
	return created, nil
}

func (e *Engine) softMatch(st *batchState, ref model.Reference) *model.Transaction {
	var candidate *model.Transaction
	for i := range st.window {
		txn := &st.window[i]
		if _, taken := st.resolved[txn.ID]; taken {
			continue
		}
		if absDuration(txn.Date.Sub(ref.Time)) > softMatchWindow {
			continue
		}
		if txn.ImportedPayee != ref.ImportedPayee {
			continue
		}
		if !amountWithinTolerance(txn.Amount, ref.Amount) {
			continue
		}
		if txn.ImportedID != "" {
			if _, claimed := st.claimedIDs[txn.ImportedID]; claimed {
				// The id belongs to another reference in this batch;
				// stealing it would orphan that reference's match.
				continue
			}
		}
		if candidate != nil {
			return nil
		}
		candidate = txn
	}
	return candidate
}

// fallbackMatch deliberately considers rows already resolved in this
// batch: duplicate references in a manual import collapse onto the same
// pre-existing row instead of spawning copies.
func (e *Engine) fallbackMatch(st *batchState, ref model.Reference, requirePayee bool) *model.Transaction {
	var candidate *model.Transaction
	for i := range st.window {
		txn := &st.window[i]
		if txn.Amount != ref.Amount || !txn.Date.Equal(ref.Time) {
			continue
		}
		if requirePayee && txn.ImportedPayee != ref.ImportedPayee {
			continue
		}
		if candidate != nil {
			return nil
		}
		candidate = txn
	}
	return candidate
}

// inferPayee picks the most frequent payee among the document's rows
// sharing the imported payee string; adopted only with at least three
// occurrences or as the sole candidate.
func (e *Engine) inferPayee(ctx context.Context, st *batchState, importedPayee string) (string, error) {
	if cached, ok := st.payeeCache[importedPayee]; ok {
		return cached, nil
	}

	counts, err := e.store.PayeeCountsByImportedPayee(ctx, st.account.DocumentID, importedPayee)
	if err != nil {
		return "", err
	}

	best, bestCount := "", 0
	for payeeID, count := range counts {
		if count > bestCount || (count == bestCount && payeeID < best) {
			best, bestCount = payeeID, count
		}
	}
	if best == "" || (bestCount < payeeInferenceThreshold && len(counts) > 1) {
		st.payeeCache[importedPayee] = ""
		return "", nil
	}

	st.payeeCache[importedPayee] = best
	return best, nil
}

// augment fans out to every installed metadata-augmenting integration in
// parallel. The first split whose sub-amounts reconcile to the row's
// amount is applied to an uncategorized row; an imbalanced split is logged
// and skipped. Fallback memos only fill empty memos.
func (e *Engine) augment(ctx context.Context, txn *model.Transaction) {
	if e.providers == nil {
		return
	}
	providers := e.providers.MetadataProviders()
	if len(providers) == 0 {
		return
	}

	req := MetadataRequest{
		Time:          txn.Date,
		ImportedPayee: txn.ImportedPayee,
		ImportedMemo:  txn.ImportedMemo,
		Amount:        txn.Amount,
	}

	results := make([]*MetadataResult, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			res, err := p.GetMetadata(gctx, req)
			if err != nil {
				slog.Warn("metadata augmentation failed", "transaction", txn.ID, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res == nil {
			continue
		}
		if len(res.Splits) > 0 && len(txn.Units) == 0 {
			var sum int64
			for _, split := range res.Splits {
				sum += split.Amount
			}
			if sum != txn.Amount {
				slog.Warn("category split does not reconcile, skipping",
					"transaction", txn.ID, "amount", txn.Amount, "splitSum", sum)
			} else {
				for _, split := range res.Splits {
					txn.Units = append(txn.Units, model.Unit{
						Amount:   split.Amount,
						Kind:     model.UnitBudget,
						BudgetID: split.BudgetID,
					})
				}
			}
		}
		if res.FallbackMemo != "" && txn.Memo == "" {
			txn.Memo = res.FallbackMemo
		}
	}
}

// finalize deletes every unresolved ledger row inside the batch span,
// sparing manual reconciliation markers, and reports the affected months.
func (e *Engine) finalize(ctx context.Context, st *batchState) (map[time.Time]struct{}, error) {
	affected := make(map[time.Time]struct{})
	for i := range st.window {
		txn := &st.window[i]
		if txn.Date.Before(st.spanFrom) || txn.Date.After(st.spanTo) {
			continue
		}
		if _, ok := st.resolved[txn.ID]; ok {
			continue
		}
		if txn.IsMarker {
			continue
		}
		if err := e.store.DeleteTransaction(ctx, txn.ID); err != nil {
			return nil, err
		}
		if err := e.learner.Forget(ctx, txn.ID); err != nil {
			slog.Warn("failed to drop learning entries", "transaction", txn.ID, "error", err)
		}
		affected[monthOf(txn.Date)] = struct{}{}
	}
	return affected, nil
}

func monthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// amountWithinTolerance checks sign-aware ±10% closeness.
func amountWithinTolerance(a, b int64) bool {
	if (a < 0) != (b < 0) {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	limit := b
	if limit < 0 {
		limit = -limit
	}
	return diff*10 <= limit
}
