// Package modules implements the module registry and the built-in
// module family. A module is a metered capability an agent can invoke:
// it declares a descriptor (key, cost, input schema) and an Invoke
// function. The registry is the single dispatch point; it validates
// input, charges credits and records metrics around every call.
package modules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentry/internal/billing"
	"agentry/internal/logging"
	"agentry/internal/metrics"
	"agentry/pkg/models"
)

var (
	// ErrUnknownModule is returned when a key is not registered.
	ErrUnknownModule = errors.New("unknown module")
	// ErrModuleNotAttached is returned when the invoking agent does not
	// have the module attached.
	ErrModuleNotAttached = errors.New("module not attached to agent")
	// ErrInsufficientCredits mirrors the ledger error so callers can
	// match it without importing billing.
	ErrInsufficientCredits = billing.ErrInsufficientCredits
)

// Descriptor describes a module to catalogs, agents and MCP clients.
type Descriptor struct {
	Key         string                 `json:"key"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Category    string                 `json:"category"`
	CreditCost  int                    `json:"credit_cost"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Module is one invocable capability.
type Module interface {
	Descriptor() Descriptor
	Invoke(ctx context.Context, agent *models.Agent, input map[string]interface{}) (map[string]interface{}, error)
}

// CreditCharger is the ledger surface the registry needs. Implemented
// by billing.Service.
type CreditCharger interface {
	Charge(ctx context.Context, userID uint, amount int, reason, ref string) (*models.CreditTransaction, error)
	Refund(ctx context.Context, userID uint, amount int, reason, ref string) (*models.CreditTransaction, error)
}

// UsageMeter counts module invocations against plan quotas.
type UsageMeter interface {
	RecordInvocation(ctx context.Context, userID uint, module string) error
}

// InputError reports which input field failed schema validation.
type InputError struct {
	Module string
	Field  string
	Detail string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input for %s: field %q %s", e.Module, e.Field, e.Detail)
}

// InvokeResult carries a successful invocation's output and cost.
type InvokeResult struct {
	Output  map[string]interface{} `json:"output"`
	Credits int                    `json:"credits_charged"`
}

// Registry holds the registered modules. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	charger CreditCharger
	meter   UsageMeter
}

// NewRegistry creates a registry. Charger and meter may be nil, in
// which case invocations are free and unmetered (tests, previews).
func NewRegistry(charger CreditCharger, meter UsageMeter) *Registry {
	return &Registry{
		modules: make(map[string]Module),
		charger: charger,
		meter:   meter,
	}
}

// Register adds a module, replacing any previous one with the same key.
func (r *Registry) Register(m Module) {
	desc := m.Descriptor()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[desc.Key] = m
}

// Get returns the module for a key.
func (r *Registry) Get(key string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, key)
	}
	return m, nil
}

// List returns all descriptors sorted by key.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Invoke runs a module for an agent: look up, check attachment,
// validate input, charge credits, invoke, record metrics. A failed
// invocation refunds the charge.
func (r *Registry) Invoke(ctx context.Context, agent *models.Agent, key string, input map[string]interface{}) (*InvokeResult, error) {
	module, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	if !agent.HasModule(key) {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotAttached, key)
	}

	desc := module.Descriptor()
	if err := validateInput(desc, input); err != nil {
		return nil, err
	}

	charged := 0
	if r.charger != nil && desc.CreditCost > 0 {
		row, err := r.charger.Charge(ctx, agent.OwnerID, desc.CreditCost, "module_invocation", desc.Key)
		if err != nil {
			return nil, err
		}
		if row != nil {
			charged = desc.CreditCost
		}
	}
	if r.meter != nil {
		if err := r.meter.RecordInvocation(ctx, agent.OwnerID, desc.Key); err != nil {
			logging.S().Warnw("Failed to meter invocation", "module", desc.Key, "error", err)
		}
	}

	start := time.Now()
	output, err := module.Invoke(ctx, agent, input)
	duration := time.Since(start)

	if err != nil {
		if charged > 0 {
			if _, refundErr := r.charger.Refund(ctx, agent.OwnerID, charged, "run_failed", desc.Key); refundErr != nil {
				logging.S().Errorw("Failed to refund failed run", "module", desc.Key, "user_id", agent.OwnerID, "error", refundErr)
			}
			charged = 0
		}
		metrics.Get().RecordModuleInvocation(desc.Key, "error", duration, 0)
		return nil, err
	}

	metrics.Get().RecordModuleInvocation(desc.Key, "success", duration, charged)
	return &InvokeResult{Output: output, Credits: charged}, nil
}

// validateInput checks required fields and primitive types against the
// module's schema. The schema is the object-shaped subset used across
// the connector catalog: {type, properties: {name: {type, enum?}},
// required: [...]}.
func validateInput(desc Descriptor, input map[string]interface{}) error {
	schema := desc.InputSchema
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]string); ok {
		for _, field := range required {
			if _, present := input[field]; !present {
				return &InputError{Module: desc.Key, Field: field, Detail: "is required"}
			}
		}
	} else if required, ok := schema["required"].([]interface{}); ok {
		for _, f := range required {
			field, _ := f.(string)
			if _, present := input[field]; field != "" && !present {
				return &InputError{Module: desc.Key, Field: field, Detail: "is required"}
			}
		}
	}

	properties, _ := schema["properties"].(map[string]interface{})
	for field, rawSpec := range properties {
		value, present := input[field]
		if !present || value == nil {
			continue
		}
		spec, _ := rawSpec.(map[string]interface{})
		if spec == nil {
			continue
		}

		wantType, _ := spec["type"].(string)
		if wantType != "" && !matchesType(wantType, value) {
			return &InputError{Module: desc.Key, Field: field, Detail: "must be of type " + wantType}
		}

		if enum, ok := spec["enum"].([]string); ok {
			if s, isStr := value.(string); isStr && !containsString(enum, s) {
				return &InputError{Module: desc.Key, Field: field, Detail: fmt.Sprintf("must be one of %v", enum)}
			}
		}
	}
	return nil
}

func matchesType(wantType string, value interface{}) bool {
	switch wantType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		switch value.(type) {
		case []interface{}, []string, []map[string]interface{}:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
