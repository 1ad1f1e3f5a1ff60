// Package worker executes integration methods in isolated OS processes and
// speaks the newline-delimited JSON protocol with them.
package worker

import "encoding/json"

// Job is the one-shot descriptor sent to a worker process. It has no
// persisted identity; it lives only for the duration of one process.
type Job struct {
	IntegrationType string         `json:"integrationType"`
	Method          string         `json:"method"`
	Config          map[string]any `json:"config"`
	Params          map[string]any `json:"params"`
}

// message is any worker-to-host frame. The Type field discriminates.
type message struct {
	Type  string          `json:"type"`
	Item  json.RawMessage `json:"item,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

const (
	msgConfirm  = "confirm"
	msgItem     = "item"
	msgResponse = "response"
	msgGet      = "get"
	msgSet      = "set"
)

// storeReply is the host-to-worker answer to a get/set request.
type storeReply struct {
	Method string          `json:"method"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// FieldSpec is one configuration field declared by an integration.
type FieldSpec struct {
	Key     string `json:"key"`
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

// Schema is the result of the describe call: the configuration fields an
// integration declares plus the methods it supports.
type Schema struct {
	Fields  []FieldSpec `json:"fields"`
	Methods []string    `json:"methods"`
}

// MethodDescribe is the reserved bootstrap method every worker must answer:
// it reports the Schema above.
const MethodDescribe = "describe"

// Methods integrations may declare. GetAccounts and GetTransactions must
// both be present or both absent.
const (
	MethodValidateConfig  = "validateConfig"
	MethodGetAccounts     = "getAccounts"
	MethodGetTransactions = "getTransactions"
	MethodGetMetadata     = "getMetadata"
	MethodGetGoals        = "getGoals"
)

// Supports reports whether the schema declares the given method.
func (s Schema) Supports(method string) bool {
	for _, m := range s.Methods {
		if m == method {
			return true
		}
	}
	return false
}
