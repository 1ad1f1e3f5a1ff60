package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/centavo-app/centavo/internal/common"
)

// Manifest describes installed worker code for one integration type.
type Manifest struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Entry   string   `json:"entry"`
	Args    []string `json:"args,omitempty"`
}

// Resolver locates installed worker code under a plugins directory. Each
// integration type lives in its own subdirectory with a manifest.json.
type Resolver struct {
	dir string
}

// NewResolver creates a resolver rooted at dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve reads the manifest for the given integration type and returns it
// together with the absolute entry path to execute.
func (r *Resolver) Resolve(integrationType string) (*Manifest, string, error) {
	if integrationType == "" || integrationType != filepath.Base(integrationType) {
		return nil, "", fmt.Errorf("%w: %q", common.ErrUnknownIntegration, integrationType)
	}

	manifestPath := filepath.Join(r.dir, integrationType, "manifest.json")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %q", common.ErrUnknownIntegration, integrationType)
		}
		return nil, "", fmt.Errorf("failed to read manifest for %q: %w", integrationType, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", fmt.Errorf("invalid manifest for %q: %w", integrationType, err)
	}
	if m.Entry == "" {
		return nil, "", fmt.Errorf("manifest for %q declares no entry", integrationType)
	}

	entry := m.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(r.dir, integrationType, entry)
	}
	if _, err := os.Stat(entry); err != nil {
		return nil, "", fmt.Errorf("worker entry for %q not found: %w", integrationType, err)
	}

	return &m, entry, nil
}
