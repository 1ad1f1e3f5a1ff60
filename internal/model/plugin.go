package model

// FieldType declares how a configuration field value is handled.
type FieldType string

const (
	// FieldText is a plain text value stored as-is.
	FieldText FieldType = "text"
	// FieldSecret is encrypted with the vault before persistence.
	FieldSecret FieldType = "secret"
	// FieldNumber is a numeric value serialized as JSON.
	FieldNumber FieldType = "number"
	// FieldBool is a boolean flag serialized as JSON.
	FieldBool FieldType = "bool"
)

// FieldErrorCode classifies a per-field configuration validation failure.
type FieldErrorCode string

const (
	// FieldErrEmpty means a required field has no value.
	FieldErrEmpty FieldErrorCode = "empty"
	// FieldErrWrong means the value was rejected by the integration.
	FieldErrWrong FieldErrorCode = "wrong"
	// FieldErrUnspecified covers failures the integration did not classify.
	FieldErrUnspecified FieldErrorCode = "unspecified"
)

// ConfigField is one declared configuration slot of an integration
// instance, backed by a persisted key/value record.
type ConfigField struct {
	Key          string
	Type         FieldType
	Value        any
	DefaultValue any
	Error        FieldErrorCode
}

// FieldError is a structured validation failure surfaced to the caller.
type FieldError struct {
	Key  string         `json:"key"`
	Code FieldErrorCode `json:"code"`
}

// InstanceState is the lifecycle state of an integration instance.
type InstanceState string

const (
	// StateInitializing means worker code and schema are being resolved.
	StateInitializing InstanceState = "initializing"
	// StateConfiguration means the current values fail validation.
	StateConfiguration InstanceState = "configuration"
	// StateReady means configuration is valid and syncs are scheduled.
	StateReady InstanceState = "ready"
	// StateError is derived from a non-empty per-method error map.
	StateError InstanceState = "error"
	// StateShutdown is terminal; entered on removal.
	StateShutdown InstanceState = "shutdown"
)

// InstanceRecord is the persisted identity of an integration instance.
type InstanceRecord struct {
	ID         string
	Type       string
	DocumentID string
}

// Suggestion is one ranked categorization candidate.
type Suggestion struct {
	BudgetID string
	Score    float64
}
