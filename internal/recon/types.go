// Package recon merges externally supplied transaction batches into the
// persisted ledger and maintains balance-assertion markers.
package recon

import (
	"context"
	"time"
)

// MetadataRequest is what a metadata-augmenting integration is fed for one
// resolved ledger row.
type MetadataRequest struct {
	Time          time.Time `json:"time"`
	ImportedPayee string    `json:"externalPayeeId,omitempty"`
	ImportedMemo  string    `json:"externalMemo,omitempty"`
	Amount        int64     `json:"amount"`
}

// CategorySplit is one categorized sub-amount proposed by an integration.
type CategorySplit struct {
	Amount   int64  `json:"amount"`
	BudgetID string `json:"budgetId"`
}

// MetadataResult is an integration's optional augmentation for a row.
type MetadataResult struct {
	Splits       []CategorySplit `json:"splits,omitempty"`
	FallbackMemo string          `json:"fallbackMemo,omitempty"`
}

// MetadataProvider is one installed integration that declares
// metadata-augmentation support.
type MetadataProvider interface {
	GetMetadata(ctx context.Context, req MetadataRequest) (*MetadataResult, error)
}

// ProviderSource supplies the currently installed metadata providers. The
// integration registry implements this.
type ProviderSource interface {
	MetadataProviders() []MetadataProvider
}

// Recalculator recomputes downstream monthly aggregates after ledger
// changes. The budgeting layer implements this; reconciliation only
// triggers it.
type Recalculator interface {
	Recalculate(ctx context.Context, accountID string, months []time.Time) error
}
