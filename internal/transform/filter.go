package transform

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Condition ops accepted by the filter operator.
const (
	CondEq       = "eq"
	CondNe       = "ne"
	CondGt       = "gt"
	CondGte      = "gte"
	CondLt       = "lt"
	CondLte      = "lte"
	CondContains = "contains"
	CondIn       = "in"
	CondExists   = "exists"
	CondRegex    = "regex"
)

// Condition compares the value at a field path against a constant.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value,omitempty"`
}

// filterOp keeps rows matching its conditions. Mode "all" (default)
// requires every condition; "any" requires at least one.
type filterOp struct {
	Conditions []Condition `json:"conditions"`
	Mode       string      `json:"mode,omitempty"`

	parts    [][]pathPart
	patterns []*regexp.Regexp
}

func (o *filterOp) Name() string { return OpFilter }

func (o *filterOp) Validate() error {
	if len(o.Conditions) == 0 {
		return fmt.Errorf("%w: filter needs at least one condition", ErrInvalidConfig)
	}
	switch o.Mode {
	case "", "all", "any":
	default:
		return fmt.Errorf("%w: filter mode %q (want all or any)", ErrInvalidConfig, o.Mode)
	}

	o.parts = make([][]pathPart, len(o.Conditions))
	o.patterns = make([]*regexp.Regexp, len(o.Conditions))
	for i, c := range o.Conditions {
		parts, err := parsePath(c.Field)
		if err != nil {
			return fmt.Errorf("%w: filter field %q: %v", ErrInvalidConfig, c.Field, err)
		}
		o.parts[i] = parts

		switch c.Op {
		case CondEq, CondNe, CondGt, CondGte, CondLt, CondLte, CondContains, CondExists:
		case CondIn:
			if _, ok := c.Value.([]interface{}); !ok {
				return fmt.Errorf("%w: filter %q on %q needs an array value", ErrInvalidConfig, c.Op, c.Field)
			}
		case CondRegex:
			pat, ok := c.Value.(string)
			if !ok {
				return fmt.Errorf("%w: filter regex on %q needs a string pattern", ErrInvalidConfig, c.Field)
			}
			re, err := regexp.Compile(pat)
			if err != nil {
				return fmt.Errorf("%w: filter regex %q: %v", ErrInvalidConfig, pat, err)
			}
			o.patterns[i] = re
		default:
			return fmt.Errorf("%w: filter op %q", ErrInvalidConfig, c.Op)
		}
	}
	return nil
}

func (o *filterOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if o.matches(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (o *filterOp) matches(row Row) bool {
	any := o.Mode == "any"
	for i := range o.Conditions {
		hit := o.evalCondition(row, i)
		if any && hit {
			return true
		}
		if !any && !hit {
			return false
		}
	}
	return !any
}

func (o *filterOp) evalCondition(row Row, i int) bool {
	c := o.Conditions[i]
	value, ok := getAtParts(row, o.parts[i])

	if c.Op == CondExists {
		expected := true
		if b, bok := toBool(c.Value); c.Value != nil && bok {
			expected = b
		}
		return ok == expected
	}
	if !ok {
		return false
	}

	switch c.Op {
	case CondEq:
		return valueEquals(value, c.Value)
	case CondNe:
		return !valueEquals(value, c.Value)
	case CondGt:
		return compareValues(value, c.Value) > 0
	case CondGte:
		return compareValues(value, c.Value) >= 0
	case CondLt:
		return compareValues(value, c.Value) < 0
	case CondLte:
		return compareValues(value, c.Value) <= 0
	case CondContains:
		return containsValue(value, c.Value)
	case CondIn:
		list, _ := c.Value.([]interface{})
		for _, item := range list {
			if valueEquals(value, item) {
				return true
			}
		}
		return false
	case CondRegex:
		return o.patterns[i].MatchString(stringify(value))
	}
	return false
}

// containsValue handles both substring match on strings and membership
// on arrays.
func containsValue(value, needle interface{}) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, stringify(needle))
	case []interface{}:
		for _, item := range v {
			if valueEquals(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
