// Package transform implements the rule-based ETL engine behind the
// data-transform module family: a pipeline of generic operators applied
// to rows of decoded JSON.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Row is one record flowing through a pipeline.
type Row = map[string]interface{}

// Operator names accepted in pipeline steps.
const (
	OpMap       = "map"
	OpFilter    = "filter"
	OpAggregate = "aggregate"
	OpEnrich    = "enrich"
	OpNormalize = "normalize"
	OpSort      = "sort"
	OpGroup     = "group"
	OpFlatten   = "flatten"
	OpPivot     = "pivot"
)

// Operator is one pipeline step. Validate is called once, before any rows
// are processed; Apply must not mutate its input rows.
type Operator interface {
	Name() string
	Validate() error
	Apply(ctx context.Context, rows []Row) ([]Row, error)
}

// buildOperator decodes a step config into its operator. Unknown names
// return ErrUnknownOp; malformed configs return ErrInvalidConfig.
func buildOperator(engine *Engine, name string, raw json.RawMessage) (Operator, error) {
	var op Operator
	switch name {
	case OpMap:
		op = &mapOp{}
	case OpFilter:
		op = &filterOp{}
	case OpAggregate:
		op = &aggregateOp{}
	case OpEnrich:
		op = &enrichOp{engine: engine}
	case OpNormalize:
		op = &normalizeOp{}
	case OpSort:
		op = &sortOp{}
	case OpGroup:
		op = &groupOp{}
	case OpFlatten:
		op = &flattenOp{}
	case OpPivot:
		op = &pivotOp{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, name)
	}

	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(op); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
	}
	return op, nil
}

// toFloat coerces JSON numbers to float64. json.Number values survive
// UseNumber decoding; ints appear when rows are built in Go code.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// toBool coerces truthy values: bools, "true"/"false", nonzero numbers.
func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0", "":
			return false, true
		}
		return false, false
	default:
		if f, ok := toFloat(v); ok {
			return f != 0, true
		}
		return false, false
	}
}

// stringify renders a value the way it would appear in JSON output,
// without quotes for scalars.
func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		// Trim the ".0" from whole numbers so keys stay readable
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	case bool:
		if s {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// compareValues orders two values for sorting: nil sorts last, numbers
// compare numerically, strings lexically, bools false<true. Mixed types
// fall back to comparing their stringified forms.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return strings.Compare(as, bs)
	}

	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		switch {
		case ab == bb:
			return 0
		case bb:
			return -1
		default:
			return 1
		}
	}

	return strings.Compare(stringify(a), stringify(b))
}

// valueEquals reports loose equality: numeric values compare by value
// regardless of representation, everything else by stringified form.
func valueEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return stringify(a) == stringify(b)
}
