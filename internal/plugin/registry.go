package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/events"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/recon"
	"github.com/centavo-app/centavo/internal/storage"
	"github.com/centavo-app/centavo/internal/vault"
	"github.com/centavo-app/centavo/internal/worker"
)

// Registry is the process-wide collection of integration instances. It
// also serves as the reconciliation engine's source of metadata providers.
type Registry struct {
	store    *storage.SQLiteStorage
	vault    *vault.Vault
	resolver ManifestResolver
	runner   Runner
	syncer   Syncer
	bus      *events.Bus

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry(store *storage.SQLiteStorage, vlt *vault.Vault, resolver ManifestResolver,
	runner Runner, syncer Syncer, bus *events.Bus) *Registry {
	return &Registry{
		store:     store,
		vault:     vlt,
		resolver:  resolver,
		runner:    runner,
		syncer:    syncer,
		bus:       bus,
		instances: make(map[string]*Instance),
	}
}

// Start loads every persisted instance record and begins initializing each.
func (r *Registry) Start(ctx context.Context) error {
	recs, err := r.store.ListPluginInstances(ctx)
	if err != nil {
		return fmt.Errorf("failed to load integration instances: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		inst := newInstance(rec, r.store, r.vault, r.resolver, r.runner, r.syncer, r.bus)
		r.instances[rec.ID] = inst
		inst.start()
	}
	return nil
}

// Install creates a new instance of the given integration type, persists
// its record, and begins initializing it.
func (r *Registry) Install(ctx context.Context, documentID, integrationType string) (*Instance, error) {
	// Reject unknown types up front rather than letting the new instance
	// retry resolution forever.
	if _, _, err := r.resolver.Resolve(integrationType); err != nil {
		return nil, err
	}

	rec := model.InstanceRecord{
		ID:         uuid.NewString(),
		Type:       integrationType,
		DocumentID: documentID,
	}
	if err := r.store.CreatePluginInstance(ctx, &rec); err != nil {
		return nil, err
	}

	inst := newInstance(rec, r.store, r.vault, r.resolver, r.runner, r.syncer, r.bus)
	r.mu.Lock()
	r.instances[rec.ID] = inst
	r.mu.Unlock()
	inst.start()
	return inst, nil
}

// Remove shuts the instance down and forgets it. The call blocks until the
// instance's active workers have drained.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: instance %q", common.ErrNotFound, id)
	}

	if err := inst.Shutdown(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
	return nil
}

// Get returns the instance with the given id.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %q", common.ErrNotFound, id)
	}
	return inst, nil
}

// List returns every registered instance in stable id order.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rec.ID < out[j].rec.ID })
	return out
}

// MetadataProviders returns every instance currently able to augment
// transaction metadata. Implements the reconciliation engine's provider
// source.
func (r *Registry) MetadataProviders() []recon.MetadataProvider {
	var providers []recon.MetadataProvider
	for _, inst := range r.List() {
		state := inst.State()
		if state != model.StateReady && state != model.StateError {
			continue
		}
		if !inst.Schema().Supports(worker.MethodGetMetadata) {
			continue
		}
		providers = append(providers, inst)
	}
	return providers
}

// Close cancels every instance's background work without deleting records.
// Used at process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		inst.mu.Lock()
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
	}
}
