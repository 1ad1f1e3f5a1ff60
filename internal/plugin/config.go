package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/centavo-app/centavo/internal/common"
	"github.com/centavo-app/centavo/internal/model"
	"github.com/centavo-app/centavo/internal/worker"
)

// fieldType maps the schema's declared type string onto the persisted
// handling class. Unknown types are treated as plain text.
func fieldType(spec worker.FieldSpec) model.FieldType {
	switch model.FieldType(spec.Type) {
	case model.FieldSecret, model.FieldNumber, model.FieldBool:
		return model.FieldType(spec.Type)
	default:
		return model.FieldText
	}
}

// loadConfig assembles the full plaintext configuration the worker sees:
// stored values decoded (secrets decrypted), declared defaults filling the
// gaps. Decrypting blocks until the vault is unlocked.
func (inst *Instance) loadConfig(ctx context.Context) (map[string]any, error) {
	inst.mu.Lock()
	fields := inst.schema.Fields
	inst.mu.Unlock()
	if len(fields) == 0 {
		return map[string]any{}, nil
	}

	stored, err := inst.store.GetConfigFields(ctx, inst.rec.ID)
	if err != nil {
		return nil, err
	}

	config := make(map[string]any, len(fields))
	for _, spec := range fields {
		raw, ok := stored[spec.Key]
		if !ok {
			if spec.Default != nil {
				config[spec.Key] = spec.Default
			}
			continue
		}

		value, err := inst.decodeField(ctx, spec, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode field %q: %w", spec.Key, err)
		}
		config[spec.Key] = value
	}
	return config, nil
}

func (inst *Instance) decodeField(ctx context.Context, spec worker.FieldSpec, raw string) (any, error) {
	if fieldType(spec) == model.FieldSecret {
		if err := inst.vault.WaitUnlock(ctx); err != nil {
			return nil, err
		}
		return inst.vault.Decrypt(inst.rec.ID, raw)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, err
	}
	return value, nil
}

// encodeField serializes one field value for persistence. Secrets are
// encrypted with a key scoped to the instance.
func (inst *Instance) encodeField(ctx context.Context, spec worker.FieldSpec, value any) (string, error) {
	if fieldType(spec) == model.FieldSecret {
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("secret field %q must be a string", spec.Key)
		}
		if err := inst.vault.WaitUnlock(ctx); err != nil {
			return "", err
		}
		return inst.vault.Encrypt(inst.rec.ID, s)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to serialize field %q: %w", spec.Key, err)
	}
	return string(data), nil
}

// validationResult is the worker's answer to a validateConfig call: an
// empty error list (or null payload) means the configuration is valid.
type validationResult struct {
	Errors []model.FieldError `json:"errors,omitempty"`
}

// validate runs the candidate configuration through the worker's
// validateConfig method. Integrations that declare no validator accept any
// configuration.
func (inst *Instance) validate(ctx context.Context, candidate map[string]any) ([]model.FieldError, error) {
	inst.mu.Lock()
	schema := inst.schema
	inst.mu.Unlock()
	if !schema.Supports(worker.MethodValidateConfig) {
		return nil, nil
	}

	inst.mu.Lock()
	entry := inst.entry
	args := inst.entryArgs
	inst.mu.Unlock()

	job := worker.Job{
		IntegrationType: inst.rec.Type,
		Method:          worker.MethodValidateConfig,
		Config:          candidate,
	}
	opts := worker.Options{
		Store:   inst.store.KVForInstance(inst.rec.ID),
		Counter: inst.counter,
	}
	data, err := inst.runner.Run(ctx, entry, args, job, opts)
	inst.recordMethodOutcome(worker.MethodValidateConfig, err)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var res validationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("invalid validation payload: %w", err)
	}
	for i, fe := range res.Errors {
		if fe.Code == "" {
			res.Errors[i].Code = model.FieldErrUnspecified
		}
	}
	return res.Errors, nil
}

// validateStored checks the currently persisted configuration, as done when
// initialization completes.
func (inst *Instance) validateStored(ctx context.Context) ([]model.FieldError, error) {
	candidate, err := inst.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return inst.validate(ctx, candidate)
}

// UpdateConfig applies a partial value map: the candidate configuration is
// the merge of new values over stored values over declared defaults. The
// worker validates the candidate; only a fully valid candidate is
// persisted. On validation failure the structured field errors are
// returned and nothing is written.
func (inst *Instance) UpdateConfig(ctx context.Context, values map[string]any) ([]model.FieldError, error) {
	inst.mu.Lock()
	if inst.state == model.StateShutdown {
		inst.mu.Unlock()
		return nil, common.ErrInstanceShutdown
	}
	if inst.state == model.StateInitializing {
		inst.mu.Unlock()
		return nil, fmt.Errorf("instance %q is still initializing", inst.rec.ID)
	}
	fields := inst.schema.Fields
	inst.mu.Unlock()

	candidate, err := inst.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	for _, spec := range fields {
		if v, ok := values[spec.Key]; ok {
			candidate[spec.Key] = v
		}
	}

	fieldErrs, err := inst.validate(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if len(fieldErrs) > 0 {
		// A previously valid instance keeps running on its old values.
		if inst.State() != model.StateReady && inst.State() != model.StateError {
			inst.setState(model.StateConfiguration)
		}
		return fieldErrs, nil
	}

	serialized := make(map[string]string, len(fields))
	for _, spec := range fields {
		value, ok := candidate[spec.Key]
		if !ok {
			continue
		}
		raw, err := inst.encodeField(ctx, spec, value)
		if err != nil {
			return nil, err
		}
		serialized[spec.Key] = raw
	}

	// Oversize serialized values are a fatal misconfiguration; the save is
	// all-or-nothing.
	if err := inst.store.SaveConfigFields(ctx, inst.rec.ID, serialized); err != nil {
		return nil, err
	}

	slog.Info("integration configuration updated",
		"instance", inst.rec.ID, "fields", len(serialized))
	inst.enterReady()
	return nil, nil
}
