package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/events"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/recon"
	"github.com/centavo-app/centavo/internal/testutil"
	"github.com/centavo-app/centavo/internal/vault"
	"github.com/centavo-app/centavo/internal/worker"
)

// stubRunner answers worker jobs in-process. Handlers are keyed by method.
type stubRunner struct {
	mu       sync.Mutex
	handlers map[string]func(job worker.Job, opts worker.Options) (json.RawMessage, error)
	calls    []worker.Job
	commands []string
}

func newStubRunner() *stubRunner {
	return &stubRunner{handlers: make(map[string]func(worker.Job, worker.Options) (json.RawMessage, error))}
}

func (r *stubRunner) handle(method string, fn func(worker.Job, worker.Options) (json.RawMessage, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = fn
}

func (r *stubRunner) respond(method string, data string) {
	r.handle(method, func(worker.Job, worker.Options) (json.RawMessage, error) {
		return json.RawMessage(data), nil
	})
}

func (r *stubRunner) callsFor(method string) []worker.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []worker.Job
	for _, job := range r.calls {
		if job.Method == method {
			out = append(out, job)
		}
	}
	return out
}

func (r *stubRunner) Run(_ context.Context, command string, _ []string, job worker.Job, opts worker.Options) (json.RawMessage, error) {
	if opts.Counter != nil {
		opts.Counter.Inc()
		defer opts.Counter.Dec()
	}
	r.mu.Lock()
	r.calls = append(r.calls, job)
	r.commands = append(r.commands, command)
	fn := r.handlers[job.Method]
	r.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected method " + job.Method)
	}
	return fn(job, opts)
}

// stubResolver resolves every type to a fixed entry, optionally failing the
// first few attempts.
type stubResolver struct {
	mu       sync.Mutex
	failures int
}

func (s *stubResolver) Resolve(integrationType string) (*worker.Manifest, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, "", errors.New("not installed yet")
	}
	return &worker.Manifest{Name: integrationType, Version: "1.0.0", Entry: "main.js"}, "/opt/plugins/" + integrationType + "/main.js", nil
}

// stubSyncer records the batches it receives.
type stubSyncer struct {
	mu      sync.Mutex
	batches map[string][]model.Reference
}

func newStubSyncer() *stubSyncer {
	return &stubSyncer{batches: make(map[string][]model.Reference)}
}

func (s *stubSyncer) Sync(_ context.Context, accountID string, refs []model.Reference) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[accountID] = append(s.batches[accountID], refs...)
	return nil, nil
}

type fixture struct {
	db       *testutil.TestDB
	vault    *vault.Vault
	runner   *stubRunner
	resolver *stubResolver
	syncer   *stubSyncer
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := vault.New()
	key, err := vault.GenerateMasterKey()
	require.NoError(t, err)
	require.NoError(t, v.Unlock(key))

	return &fixture{
		db:       testutil.SetupTestDB(t),
		vault:    v,
		runner:   newStubRunner(),
		resolver: &stubResolver{},
		syncer:   newStubSyncer(),
		bus:      events.NewBus(),
	}
}

func (f *fixture) newInstance(t *testing.T, id string) *Instance {
	t.Helper()
	rec := model.InstanceRecord{ID: id, Type: "testbank", DocumentID: f.db.DocumentID}
	require.NoError(t, f.db.Storage.CreatePluginInstance(context.Background(), &rec))
	inst := newInstance(rec, f.db.Storage, f.vault, f.resolver, f.runner, f.syncer, f.bus)
	inst.retryDelay = 10 * time.Millisecond
	t.Cleanup(inst.cancel)
	return inst
}

const describeFull = `{"fields":[{"key":"token","type":"secret"},{"key":"region","type":"text","default":"us"}],` +
	`"methods":["validateConfig","getAccounts","getTransactions","getMetadata"]}`

func waitState(t *testing.T, inst *Instance, want model.InstanceState) {
	t.Helper()
	require.Eventually(t, func() bool { return inst.State() == want },
		2*time.Second, 5*time.Millisecond, "instance never reached state %s", want)
}

func TestInstanceInitializesToConfiguration(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `{"errors":[{"key":"token","code":"empty"}]}`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateConfiguration)

	schema := inst.Schema()
	assert.Len(t, schema.Fields, 2)
	assert.True(t, schema.Supports(worker.MethodGetMetadata))
}

func TestInstanceInitializesToReadyWhenConfigValid(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)
}

func TestInstanceRetriesResolutionOnFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.failures = 3
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)
}

func TestInstanceDescribeRunsAgainstResolvedEntry(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	// The bootstrap describe call executes against the entry the resolver
	// just produced; requiring a previously resolved worker here would
	// deadlock initialization.
	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	require.NotEmpty(t, f.runner.commands)
	assert.Equal(t, "/opt/plugins/testbank/main.js", f.runner.commands[0])
}

func TestInstanceRetriesAfterDescribeFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	var calls atomic.Int32
	f.runner.handle(worker.MethodDescribe, func(worker.Job, worker.Options) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("plugin runtime missing")
		}
		return json.RawMessage(describeFull), nil
	})

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestInstanceRejectsAsymmetricSyncMethods(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe,
		`{"fields":[],"methods":["getAccounts"]}`)

	inst := f.newInstance(t, "inst-1")
	inst.start()

	// The schema never passes resolution, so the instance stays in
	// initializing and keeps retrying.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, model.StateInitializing, inst.State())
}

func TestUpdateConfigPersistsOnlyWhenValid(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `{"errors":[{"key":"token","code":"empty"}]}`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateConfiguration)

	ctx := context.Background()

	// Invalid update: structured errors back, nothing persisted.
	fieldErrs, err := inst.UpdateConfig(ctx, map[string]any{"token": ""})
	require.NoError(t, err)
	require.Len(t, fieldErrs, 1)
	assert.Equal(t, "token", fieldErrs[0].Key)
	assert.Equal(t, model.FieldErrEmpty, fieldErrs[0].Code)

	stored, err := f.db.Storage.GetConfigFields(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, stored)

	// Valid update: persisted, instance becomes ready.
	f.runner.respond(worker.MethodValidateConfig, `null`)
	fieldErrs, err = inst.UpdateConfig(ctx, map[string]any{"token": "s3cret"})
	require.NoError(t, err)
	assert.Empty(t, fieldErrs)
	waitState(t, inst, model.StateReady)

	stored, err = f.db.Storage.GetConfigFields(ctx, "inst-1")
	require.NoError(t, err)
	assert.Contains(t, stored, "token")
	assert.Contains(t, stored, "region")
}

func TestUpdateConfigEncryptsSecretsAtRest(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	ctx := context.Background()
	_, err := inst.UpdateConfig(ctx, map[string]any{"token": "s3cret"})
	require.NoError(t, err)

	stored, err := f.db.Storage.GetConfigFields(ctx, "inst-1")
	require.NoError(t, err)
	assert.NotContains(t, stored["token"], "s3cret", "secret must not be stored in plaintext")

	config, err := inst.loadConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", config["token"])
	assert.Equal(t, "us", config["region"], "declared default fills the gap")
}

func TestUpdateConfigMergesCandidateFromStoredAndDefaults(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	ctx := context.Background()
	_, err := inst.UpdateConfig(ctx, map[string]any{"token": "first"})
	require.NoError(t, err)

	// A later partial update must carry the stored token into the
	// validation candidate.
	_, err = inst.UpdateConfig(ctx, map[string]any{"region": "eu"})
	require.NoError(t, err)

	calls := f.runner.callsFor(worker.MethodValidateConfig)
	last := calls[len(calls)-1]
	assert.Equal(t, "first", last.Config["token"])
	assert.Equal(t, "eu", last.Config["region"])
}

func TestUpdateConfigRejectsOversizeValue(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	_, err := inst.UpdateConfig(context.Background(),
		map[string]any{"region": strings.Repeat("x", 3000)})
	require.Error(t, err)
}

func TestMethodErrorMapDrivesErrorState(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	f.runner.handle(worker.MethodGetMetadata, func(worker.Job, worker.Options) (json.RawMessage, error) {
		return nil, common.ErrConfirmTimeout
	})
	_, err := inst.runMethod(context.Background(), worker.MethodGetMetadata, nil, nil)
	require.Error(t, err)
	assert.Equal(t, model.StateError, inst.State())
	assert.Contains(t, inst.MethodErrors(), worker.MethodGetMetadata)

	// A later success empties the map; ready returns without an explicit
	// transition call.
	f.runner.respond(worker.MethodGetMetadata, `null`)
	_, err = inst.runMethod(context.Background(), worker.MethodGetMetadata, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, inst.State())
	assert.Empty(t, inst.MethodErrors())
}

func TestUpdateConfigKeepsErrorStateWhileMethodErrorsRemain(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	f.runner.handle(worker.MethodGetTransactions, func(worker.Job, worker.Options) (json.RawMessage, error) {
		return nil, common.ErrResponseTimeout
	})
	_, err := inst.runMethod(context.Background(), worker.MethodGetTransactions, nil, nil)
	require.Error(t, err)
	require.Equal(t, model.StateError, inst.State())

	// A valid configuration update refreshes the schedule but cannot
	// paper over a failure recorded against another method.
	fieldErrs, err := inst.UpdateConfig(context.Background(), map[string]any{"region": "eu"})
	require.NoError(t, err)
	assert.Empty(t, fieldErrs)
	assert.Equal(t, model.StateError, inst.State())

	// Once that method recovers, the derived state returns to ready.
	f.runner.handle(worker.MethodGetTransactions, func(_ worker.Job, opts worker.Options) (json.RawMessage, error) {
		return json.RawMessage(`null`), nil
	})
	_, err = inst.runMethod(context.Background(), worker.MethodGetTransactions, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StateReady, inst.State())
}

func TestRunSyncGroupsReferencesByAccount(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)
	f.runner.handle(worker.MethodGetAccounts, func(_ worker.Job, opts worker.Options) (json.RawMessage, error) {
		opts.OnItem(json.RawMessage(`{"id":"acct-ext","name":"Savings"}`))
		return json.RawMessage(`null`), nil
	})
	f.runner.handle(worker.MethodGetTransactions, func(_ worker.Job, opts worker.Options) (json.RawMessage, error) {
		opts.OnItem(json.RawMessage(`{"time":"2026-03-05T00:00:00Z","amount":-500,"accountId":"acct-1","externalId":"X1"}`))
		opts.OnItem(json.RawMessage(`{"time":"2026-03-06T00:00:00Z","amount":-900,"accountId":"acct-ext","externalId":"X2"}`))
		return json.RawMessage(`null`), nil
	})

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	inst.runSync()

	f.syncer.mu.Lock()
	defer f.syncer.mu.Unlock()
	require.Len(t, f.syncer.batches["acct-1"], 1)
	require.Len(t, f.syncer.batches["acct-ext"], 1)
	assert.Equal(t, "X1", f.syncer.batches["acct-1"][0].ImportedID)

	// The streamed account was created before reconciliation ran.
	acct, err := f.db.Storage.GetAccount(context.Background(), "acct-ext")
	require.NoError(t, err)
	assert.Equal(t, "Savings", acct.Name)
}

func TestShutdownDeletesRecordAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	sub := f.bus.Subscribe()
	defer sub.Close()

	require.NoError(t, inst.Shutdown(context.Background()))
	assert.Equal(t, model.StateShutdown, inst.State())

	recs, err := f.db.Storage.ListPluginInstances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)

	var kinds []events.Kind
	for len(sub.C) > 0 {
		kinds = append(kinds, (<-sub.C).Kind)
	}
	assert.Contains(t, kinds, events.KindInstanceDeleted)

	// Shutdown is terminal.
	err = inst.Shutdown(context.Background())
	assert.ErrorIs(t, err, common.ErrInstanceShutdown)
}

func TestGetMetadataDecodesWorkerPayload(t *testing.T) {
	f := newFixture(t)
	f.runner.respond(worker.MethodDescribe, describeFull)
	f.runner.respond(worker.MethodValidateConfig, `null`)
	f.runner.respond(worker.MethodGetMetadata,
		`{"splits":[{"amount":-500,"budgetId":"b-food"}],"fallbackMemo":"weekly shop"}`)

	inst := f.newInstance(t, "inst-1")
	inst.start()
	waitState(t, inst, model.StateReady)

	res, err := inst.GetMetadata(context.Background(), recon.MetadataRequest{
		Time:          time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC),
		ImportedPayee: "GROCER",
		Amount:        -500,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Splits, 1)
	assert.Equal(t, "b-food", res.Splits[0].BudgetID)
	assert.Equal(t, "weekly shop", res.FallbackMemo)
}
