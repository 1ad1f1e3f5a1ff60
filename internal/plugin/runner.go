// Package plugin manages integration instances: their lifecycle state
// machine, configuration, sync scheduling, and the process-wide registry.
package plugin

import (
	"context"
	"encoding/json"

	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/worker"
)

// Runner executes one worker job. The process-spawning implementation is
// ExecRunner; tests substitute an in-memory one.
type Runner interface {
	Run(ctx context.Context, command string, args []string, job worker.Job, opts worker.Options) (json.RawMessage, error)
}

// ExecRunner runs jobs in real worker processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, command string, args []string, job worker.Job, opts worker.Options) (json.RawMessage, error) {
	return worker.Run(ctx, command, args, job, opts)
}

// ManifestResolver locates installed worker code for an integration type.
// worker.Resolver is the on-disk implementation.
type ManifestResolver interface {
	Resolve(integrationType string) (*worker.Manifest, string, error)
}

// Syncer is the reconciliation entry point an instance feeds fetched
// references into. recon.Engine implements it.
type Syncer interface {
	Sync(ctx context.Context, accountID string, refs []model.Reference) ([]model.Transaction, error)
}
