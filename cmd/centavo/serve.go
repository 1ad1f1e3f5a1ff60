package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/centavo-app/centavo/internal/events"
	"github.com/centavo-app/centavo/internal/learn"
	"github.com/centavo-app/centavo/internal/plugin"
	"github.com/centavo-app/centavo/internal/recon"
	"github.com/centavo-app/centavo/internal/storage"
	"github.com/centavo-app/centavo/internal/vault"
	"github.com/centavo-app/centavo/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the integration engine",
		Long: `Start the integration engine: load every installed integration
instance, begin their sync schedules, and run until interrupted.

The vault master key is read from the configuration (vault.master_key,
CENTAVO_VAULT_MASTER_KEY). Without it, integrations with secret
configuration fields block until the vault is unlocked.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	dbPath, err := databasePath()
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	vlt := vault.New()
	if key := viper.GetString("vault.master_key"); key != "" {
		if err := vlt.Unlock(key); err != nil {
			return fmt.Errorf("failed to unlock vault: %w", err)
		}
		slog.Info("Vault unlocked")
	} else {
		slog.Warn("No vault master key configured; secret fields stay locked")
	}

	plugDir, err := pluginsDir()
	if err != nil {
		return err
	}

	bus := events.NewBus()
	learner := learn.NewEngine(store)
	engine := recon.NewEngine(store, learner, nil, bus)
	registry := plugin.NewRegistry(store, vlt, worker.NewResolver(plugDir),
		plugin.ExecRunner{}, engine, bus)
	engine.SetProviders(registry)

	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Close()

	slog.Info("Integration engine running",
		"database", dbPath,
		"plugins", plugDir,
		"instances", len(registry.List()))

	sub := bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Shutting down")
			return nil
		case ev := <-sub.C:
			switch ev.Kind {
			case events.KindInstanceState:
				slog.Info("Instance state changed", "instance", ev.InstanceID, "state", ev.State)
			case events.KindInstanceDeleted:
				slog.Info("Instance removed", "instance", ev.InstanceID)
			case events.KindAccountUpdated:
				slog.Debug("Account updated", "account", ev.AccountID)
			}
		}
	}
}
