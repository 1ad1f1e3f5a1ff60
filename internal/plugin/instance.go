package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/events"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/recon"
	"github.com/centavo-app/centavo/internal/storage"
	"github.com/centavo-app/centavo/internal/vault"
	"github.com/centavo-app/centavo/internal/worker"
)

const (
	// initRetryDelay is the backoff between worker-code resolution attempts
	// during initialization. Resolution never gives up.
	initRetryDelay = 60 * time.Second

	// syncSchedule is the recurring sync period.
	syncSchedule = "@every 3h"

	// initialSyncDelay holds back the first sync after reaching ready so
	// sibling integrations get a chance to start up first.
	initialSyncDelay = 15 * time.Second
)

// Instance is one configured integration bound to a document. It owns the
// lifecycle state machine, the per-method error map, the sync schedule, and
// the active-worker counter that gates shutdown.
type Instance struct {
	rec model.InstanceRecord

	store    *storage.SQLiteStorage
	vault    *vault.Vault
	resolver ManifestResolver
	runner   Runner
	syncer   Syncer
	bus      *events.Bus

	counter *worker.ActiveCounter

	// ctx spans the instance lifetime; cancel ends initialization retries
	// and scheduled work.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      model.InstanceState
	schema     worker.Schema
	entry      string
	entryArgs  []string
	methodErrs map[string]string
	cron       *cron.Cron
	initial    *time.Timer

	// test hook: overrides initRetryDelay when non-zero
	retryDelay time.Duration
}

func newInstance(rec model.InstanceRecord, store *storage.SQLiteStorage, vlt *vault.Vault,
	resolver ManifestResolver, runner Runner, syncer Syncer, bus *events.Bus) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		rec:        rec,
		store:      store,
		vault:      vlt,
		resolver:   resolver,
		runner:     runner,
		syncer:     syncer,
		bus:        bus,
		counter:    worker.NewActiveCounter(),
		ctx:        ctx,
		cancel:     cancel,
		state:      model.StateInitializing,
		methodErrs: make(map[string]string),
	}
}

// ID returns the instance's persisted identifier.
func (inst *Instance) ID() string { return inst.rec.ID }

// Type returns the integration type the instance runs.
func (inst *Instance) Type() string { return inst.rec.Type }

// DocumentID returns the document the instance belongs to.
func (inst *Instance) DocumentID() string { return inst.rec.DocumentID }

// State returns the current lifecycle state.
func (inst *Instance) State() model.InstanceState {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Schema returns the worker's declared configuration schema. It is the zero
// value until initialization completes.
func (inst *Instance) Schema() worker.Schema {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.schema
}

// ActiveWorkers reports how many worker processes the instance currently
// has running.
func (inst *Instance) ActiveWorkers() int {
	return inst.counter.Value()
}

// MethodErrors returns a copy of the per-method error map.
func (inst *Instance) MethodErrors() map[string]string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	out := make(map[string]string, len(inst.methodErrs))
	for k, v := range inst.methodErrs {
		out[k] = v
	}
	return out
}

// start launches the initialization loop in the background.
func (inst *Instance) start() {
	go inst.initialize()
}

// initialize resolves worker code and the declared schema, retrying on a
// fixed backoff until it succeeds or the instance is shut down.
func (inst *Instance) initialize() {
	delay := inst.retryDelay
	if delay <= 0 {
		delay = initRetryDelay
	}

	for {
		err := inst.resolveWorker()
		if err == nil {
			break
		}
		slog.Warn("integration initialization failed, will retry",
			"instance", inst.rec.ID, "type", inst.rec.Type,
			"retryIn", delay, "error", err)

		select {
		case <-inst.ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	// Initialization lands in configuration or ready depending on whether
	// the stored values pass the worker's validation.
	fieldErrs, err := inst.validateStored(inst.ctx)
	if err != nil || len(fieldErrs) > 0 {
		if err != nil {
			slog.Warn("stored configuration validation failed",
				"instance", inst.rec.ID, "error", err)
		}
		inst.setState(model.StateConfiguration)
		return
	}
	inst.enterReady()
}

// resolveWorker locates the worker entry point and fetches its schema. The
// entry must be installed before the describe call can run; it is rolled
// back if the schema never arrives so a half-resolved worker stays
// uncallable.
func (inst *Instance) resolveWorker() error {
	manifest, entry, err := inst.resolver.Resolve(inst.rec.Type)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.entry = entry
	inst.entryArgs = manifest.Args
	inst.mu.Unlock()

	rollback := func() {
		inst.mu.Lock()
		inst.entry = ""
		inst.entryArgs = nil
		inst.mu.Unlock()
	}

	data, err := inst.runMethod(inst.ctx, worker.MethodDescribe, nil, nil)
	if err != nil {
		rollback()
		return fmt.Errorf("describe call failed: %w", err)
	}

	var schema worker.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		rollback()
		return fmt.Errorf("invalid schema from worker: %w", err)
	}
	if schema.Supports(worker.MethodGetAccounts) != schema.Supports(worker.MethodGetTransactions) {
		rollback()
		return fmt.Errorf("worker %q declares getAccounts and getTransactions asymmetrically", inst.rec.Type)
	}

	inst.mu.Lock()
	inst.schema = schema
	inst.mu.Unlock()

	slog.Info("integration worker resolved",
		"instance", inst.rec.ID, "type", inst.rec.Type,
		"version", manifest.Version, "methods", schema.Methods)
	return nil
}

// setState records a lifecycle transition and publishes it. Shutdown is
// terminal: no transition leaves it.
func (inst *Instance) setState(next model.InstanceState) {
	inst.mu.Lock()
	if inst.state == model.StateShutdown || inst.state == next {
		inst.mu.Unlock()
		return
	}
	inst.state = next
	inst.mu.Unlock()

	if inst.bus != nil {
		inst.bus.Publish(events.Event{
			Kind:       events.KindInstanceState,
			InstanceID: inst.rec.ID,
			State:      next,
		})
	}
}

// recordMethodOutcome maintains the per-method error map and derives the
// ready/error state from it. The error state is observed, never entered by
// an explicit transition call.
func (inst *Instance) recordMethodOutcome(method string, err error) {
	inst.mu.Lock()
	if err != nil {
		inst.methodErrs[method] = err.Error()
	} else {
		delete(inst.methodErrs, method)
	}
	state := inst.state
	n := len(inst.methodErrs)
	inst.mu.Unlock()

	switch {
	case state == model.StateReady && n > 0:
		inst.setState(model.StateError)
	case state == model.StateError && n == 0:
		inst.setState(model.StateReady)
	}
}

// runMethod executes one worker job for the instance. Protocol failures are
// recorded against the method name.
func (inst *Instance) runMethod(ctx context.Context, method string, params map[string]any, onItem func(json.RawMessage)) (json.RawMessage, error) {
	inst.mu.Lock()
	entry := inst.entry
	args := inst.entryArgs
	inst.mu.Unlock()
	if entry == "" {
		return nil, fmt.Errorf("%w: worker for %q not resolved", common.ErrUnknownIntegration, inst.rec.Type)
	}

	config, err := inst.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	job := worker.Job{
		IntegrationType: inst.rec.Type,
		Method:          method,
		Config:          config,
		Params:          params,
	}
	opts := worker.Options{
		Store:   inst.store.KVForInstance(inst.rec.ID),
		OnItem:  onItem,
		Counter: inst.counter,
	}

	data, runErr := inst.runner.Run(ctx, entry, args, job, opts)
	inst.recordMethodOutcome(method, runErr)
	return data, runErr
}

// enterReady marks the configuration valid and starts (or refreshes) the
// sync schedule: the recurring period plus one delayed initial run. The
// observable state stays derived from the method error map — a valid
// configuration does not clear failures recorded against other methods.
func (inst *Instance) enterReady() {
	inst.mu.Lock()
	pending := len(inst.methodErrs)
	inst.mu.Unlock()

	if pending > 0 {
		inst.setState(model.StateError)
	} else {
		inst.setState(model.StateReady)
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != model.StateReady && inst.state != model.StateError {
		return
	}

	if inst.cron != nil {
		inst.cron.Stop()
	}
	if inst.initial != nil {
		inst.initial.Stop()
	}

	c := cron.New()
	if _, err := c.AddFunc(syncSchedule, func() { inst.runSync() }); err != nil {
		slog.Error("failed to schedule sync", "instance", inst.rec.ID, "error", err)
		return
	}
	c.Start()
	inst.cron = c
	inst.initial = time.AfterFunc(initialSyncDelay, func() { inst.runSync() })
}

// runSync fetches references from the worker and feeds them through the
// reconciliation engine. Failures are logged; the next scheduled firing is
// unaffected.
func (inst *Instance) runSync() {
	inst.mu.Lock()
	schema := inst.schema
	inst.mu.Unlock()
	if !schema.Supports(worker.MethodGetTransactions) {
		return
	}

	ctx := inst.ctx
	if err := inst.syncAccounts(ctx); err != nil {
		slog.Error("account fetch failed", "instance", inst.rec.ID, "error", err)
		return
	}

	var refs []model.Reference
	_, err := inst.runMethod(ctx, worker.MethodGetTransactions, nil, func(item json.RawMessage) {
		var ref model.Reference
		if jsonErr := json.Unmarshal(item, &ref); jsonErr != nil {
			slog.Warn("ignoring malformed transaction item",
				"instance", inst.rec.ID, "error", jsonErr)
			return
		}
		refs = append(refs, ref)
	})
	if err != nil {
		slog.Error("transaction fetch failed", "instance", inst.rec.ID, "error", err)
		return
	}

	byAccount := make(map[string][]model.Reference)
	for _, ref := range refs {
		byAccount[ref.AccountID] = append(byAccount[ref.AccountID], ref)
	}
	for accountID, batch := range byAccount {
		if accountID == "" {
			slog.Warn("dropping references without an account",
				"instance", inst.rec.ID, "count", len(batch))
			continue
		}
		if _, err := inst.syncer.Sync(ctx, accountID, batch); err != nil {
			slog.Error("reconciliation failed",
				"instance", inst.rec.ID, "account", accountID, "error", err)
		}
	}
}

// accountItem is one account record streamed by the getAccounts method.
type accountItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// syncAccounts makes sure every account the worker reports exists in the
// ledger before transactions referencing it arrive.
func (inst *Instance) syncAccounts(ctx context.Context) error {
	var items []accountItem
	_, err := inst.runMethod(ctx, worker.MethodGetAccounts, nil, func(item json.RawMessage) {
		var acct accountItem
		if jsonErr := json.Unmarshal(item, &acct); jsonErr != nil {
			slog.Warn("ignoring malformed account item",
				"instance", inst.rec.ID, "error", jsonErr)
			return
		}
		items = append(items, acct)
	})
	if err != nil {
		return err
	}

	for _, acct := range items {
		if acct.ID == "" {
			continue
		}
		if _, err := inst.store.GetAccount(ctx, acct.ID); err == nil {
			continue
		}
		if err := inst.store.CreateAccount(ctx, &model.Account{
			ID:         acct.ID,
			DocumentID: inst.rec.DocumentID,
			Name:       acct.Name,
		}); err != nil {
			return fmt.Errorf("failed to create account %q: %w", acct.ID, err)
		}
	}
	return nil
}

// GetMetadata implements the reconciliation engine's metadata-provider
// contract by delegating to the worker's getMetadata method.
func (inst *Instance) GetMetadata(ctx context.Context, req recon.MetadataRequest) (*recon.MetadataResult, error) {
	params := map[string]any{
		"time":            req.Time,
		"externalPayeeId": req.ImportedPayee,
		"externalMemo":    req.ImportedMemo,
		"amount":          req.Amount,
	}
	data, err := inst.runMethod(ctx, worker.MethodGetMetadata, params, nil)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var res recon.MetadataResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("invalid metadata payload: %w", err)
	}
	return &res, nil
}

// Shutdown tears the instance down: cancel the schedule, wait for active
// workers to drain, delete the persisted record, and announce the removal.
func (inst *Instance) Shutdown(ctx context.Context) error {
	inst.mu.Lock()
	if inst.state == model.StateShutdown {
		inst.mu.Unlock()
		return common.ErrInstanceShutdown
	}
	inst.state = model.StateShutdown
	if inst.cron != nil {
		inst.cron.Stop()
		inst.cron = nil
	}
	if inst.initial != nil {
		inst.initial.Stop()
		inst.initial = nil
	}
	inst.mu.Unlock()

	inst.cancel()

	if inst.bus != nil {
		inst.bus.Publish(events.Event{
			Kind:       events.KindInstanceState,
			InstanceID: inst.rec.ID,
			State:      model.StateShutdown,
		})
	}

	if err := inst.counter.WaitZero(ctx); err != nil {
		return fmt.Errorf("timed out waiting for workers to drain: %w", err)
	}

	if err := inst.store.DeletePluginInstance(ctx, inst.rec.ID); err != nil {
		return err
	}

	if inst.bus != nil {
		inst.bus.Publish(events.Event{
			Kind:       events.KindInstanceDeleted,
			InstanceID: inst.rec.ID,
		})
	}
	return nil
}
