package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/centavo-app/centavo/internal/model"
)

// CreatePluginInstance persists a new integration instance record.
func (s *SQLiteStorage) CreatePluginInstance(ctx context.Context, rec *model.InstanceRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: record", ErrNilParameter)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_instances (id, type, document_id) VALUES (?, ?, ?)`,
		rec.ID, rec.Type, rec.DocumentID)
	if err != nil {
		return fmt.Errorf("failed to create plugin instance: %w", err)
	}
	return nil
}

// ListPluginInstances returns all persisted instance records.
func (s *SQLiteStorage) ListPluginInstances(ctx context.Context) ([]model.InstanceRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, type, document_id FROM plugin_instances`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []model.InstanceRecord
	for rows.Next() {
		var r model.InstanceRecord
		if err := rows.Scan(&r.ID, &r.Type, &r.DocumentID); err != nil {
			return nil, fmt.Errorf("failed to scan plugin instance: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// DeletePluginInstance removes the instance record together with its
// configuration fields and private store.
func (s *SQLiteStorage) DeletePluginInstance(ctx context.Context, id string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(id, "id"); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM plugin_fields WHERE plugin_instance_id = ?`,
		`DELETE FROM plugin_kv WHERE plugin_instance_id = ?`,
		`DELETE FROM plugin_instances WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete plugin instance %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// SaveConfigFields persists every field's serialized value for the
// instance in one transaction. A value exceeding the length budget is a
// fatal misconfiguration and nothing is written.
func (s *SQLiteStorage) SaveConfigFields(ctx context.Context, instanceID string, values map[string]string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(instanceID, "instanceID"); err != nil {
		return err
	}

	for key, value := range values {
		if len(value) > MaxFieldValueLen {
			return fmt.Errorf("%w: field %q is %d bytes", ErrValueTooLong, key, len(value))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plugin_fields (plugin_instance_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT(plugin_instance_id, key) DO UPDATE SET value = excluded.value
		`, instanceID, key, value)
		if err != nil {
			return fmt.Errorf("failed to save field %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// GetConfigFields returns the instance's persisted field values.
func (s *SQLiteStorage) GetConfigFields(ctx context.Context, instanceID string) (map[string]string, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(instanceID, "instanceID"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM plugin_fields WHERE plugin_instance_id = ?`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query config fields: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config field: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}

// PluginKV is the per-instance persisted key/value store exposed to worker
// processes for plugin-private state.
type PluginKV struct {
	storage    *SQLiteStorage
	instanceID string
}

// KVForInstance binds the plugin key/value store to one instance.
func (s *SQLiteStorage) KVForInstance(instanceID string) *PluginKV {
	return &PluginKV{storage: s, instanceID: instanceID}
}

// Get returns the stored JSON value, or JSON null for a missing key.
func (kv *PluginKV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(key, "key"); err != nil {
		return nil, err
	}

	var value string
	err := kv.storage.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_kv WHERE plugin_instance_id = ? AND key = ?`,
		kv.instanceID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return json.RawMessage("null"), nil
		}
		return nil, fmt.Errorf("failed to get plugin value: %w", err)
	}
	return json.RawMessage(value), nil
}

// Set stores a JSON value for the key.
func (kv *PluginKV) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(key, "key"); err != nil {
		return err
	}
	if len(value) == 0 {
		value = json.RawMessage("null")
	}

	_, err := kv.storage.db.ExecContext(ctx, `
		INSERT INTO plugin_kv (plugin_instance_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(plugin_instance_id, key) DO UPDATE SET value = excluded.value
	`, kv.instanceID, key, string(value))
	if err != nil {
		return fmt.Errorf("failed to set plugin value: %w", err)
	}
	return nil
}
