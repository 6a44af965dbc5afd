package transform

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field kinds accepted by row schemas.
const (
	KindString = "string"
	KindNumber = "number"
	KindBool   = "bool"
	KindObject = "object"
	KindArray  = "array"
	KindAny    = "any"
)

// FieldRule constrains one field of a row schema.
type FieldRule struct {
	Kind     string `json:"kind"`
	Required bool   `json:"required,omitempty"`
}

// RowSchema is a lightweight validation schema for dataset ingestion.
type RowSchema struct {
	Fields   map[string]FieldRule `json:"fields"`
	MaxRows  int                  `json:"max_rows,omitempty"`
	MaxBytes int64                `json:"max_bytes,omitempty"`
}

// RowError pinpoints a single validation failure.
type RowError struct {
	Index  int    `json:"index"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("row %d field %q: %s", e.Index, e.Field, e.Reason)
}

// maxReportedErrors caps how many row errors a single validation collects.
const maxReportedErrors = 10

// ValidationError aggregates row errors from one validation pass.
type ValidationError struct {
	Errors    []RowError `json:"errors"`
	Truncated bool       `json:"truncated"` // reporting stopped at the error cap
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, re := range e.Errors {
		msgs = append(msgs, re.Error())
	}
	s := strings.Join(msgs, "; ")
	if e.Truncated {
		s += "; ..."
	}
	return s
}

// ValidateRows checks rows against a schema. A nil schema accepts
// anything. The returned error is a *ValidationError when rows fail.
func ValidateRows(rows []Row, schema *RowSchema) error {
	if schema == nil {
		return nil
	}

	if schema.MaxRows > 0 && len(rows) > schema.MaxRows {
		return &ValidationError{Errors: []RowError{{
			Index:  schema.MaxRows,
			Reason: fmt.Sprintf("%d rows exceeds limit of %d", len(rows), schema.MaxRows),
		}}}
	}

	if schema.MaxBytes > 0 {
		encoded, err := json.Marshal(rows)
		if err == nil && int64(len(encoded)) > schema.MaxBytes {
			return &ValidationError{Errors: []RowError{{
				Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(encoded), schema.MaxBytes),
			}}}
		}
	}

	verr := &ValidationError{}
	for i, row := range rows {
		for field, rule := range schema.Fields {
			value, ok := GetField(row, field)
			if !ok {
				if rule.Required {
					verr.Errors = append(verr.Errors, RowError{Index: i, Field: field, Reason: "required field missing"})
				}
			} else if reason := checkKind(rule.Kind, value); reason != "" {
				verr.Errors = append(verr.Errors, RowError{Index: i, Field: field, Reason: reason})
			}
			if len(verr.Errors) >= maxReportedErrors {
				verr.Truncated = true
				return verr
			}
		}
	}

	if len(verr.Errors) > 0 {
		return verr
	}
	return nil
}

func checkKind(kind string, value interface{}) string {
	if kind == "" || kind == KindAny || value == nil {
		return ""
	}
	switch kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
	case KindNumber:
		if _, ok := toFloat(value); !ok {
			return fmt.Sprintf("expected number, got %T", value)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected bool, got %T", value)
		}
	case KindObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Sprintf("expected object, got %T", value)
		}
	case KindArray:
		if _, ok := value.([]interface{}); !ok {
			return fmt.Sprintf("expected array, got %T", value)
		}
	default:
		return fmt.Sprintf("unknown kind %q in schema", kind)
	}
	return ""
}

// ParseRowSchema decodes a dataset's stored schema map into a RowSchema.
func ParseRowSchema(raw map[string]interface{}) (*RowSchema, error) {
	if raw == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var schema RowSchema
	if err := json.Unmarshal(encoded, &schema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &schema, nil
}
