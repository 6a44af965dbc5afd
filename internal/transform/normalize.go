package transform

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Normalize rule kinds.
const (
	NormTrim    = "trim"
	NormLower   = "lower"
	NormUpper   = "upper"
	NormTitle   = "title"
	NormNumber  = "number"
	NormBool    = "bool"
	NormDate    = "date"
	NormDefault = "default"
	NormRound   = "round"
)

// Date layouts tried in order when a date rule has no explicit layout.
var defaultDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// NormalizeRule cleans up a single field in place.
type NormalizeRule struct {
	Field string                 `json:"field"`
	Kind  string                 `json:"kind"`
	Args  map[string]interface{} `json:"args,omitempty"`
}

// normalizeOp applies cleanup rules per row. Values that cannot be
// coerced are left unchanged rather than erroring the whole pipeline.
type normalizeOp struct {
	Rules []NormalizeRule `json:"rules"`

	parts [][]pathPart
}

func (o *normalizeOp) Name() string { return OpNormalize }

func (o *normalizeOp) Validate() error {
	if len(o.Rules) == 0 {
		return fmt.Errorf("%w: normalize needs at least one rule", ErrInvalidConfig)
	}
	o.parts = make([][]pathPart, len(o.Rules))
	for i, rule := range o.Rules {
		parts, err := parsePath(rule.Field)
		if err != nil {
			return fmt.Errorf("%w: normalize field %q: %v", ErrInvalidConfig, rule.Field, err)
		}
		o.parts[i] = parts

		switch rule.Kind {
		case NormTrim, NormLower, NormUpper, NormTitle, NormNumber, NormBool, NormDate:
		case NormDefault:
			if _, ok := rule.Args["value"]; !ok {
				return fmt.Errorf("%w: normalize default on %q needs args.value", ErrInvalidConfig, rule.Field)
			}
		case NormRound:
			if p, ok := rule.Args["precision"]; ok {
				if _, fok := toFloat(p); !fok {
					return fmt.Errorf("%w: normalize round precision must be numeric", ErrInvalidConfig)
				}
			}
		default:
			return fmt.Errorf("%w: normalize kind %q", ErrInvalidConfig, rule.Kind)
		}
	}
	return nil
}

func (o *normalizeOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		next := deepCopyRow(row)
		for j, rule := range o.Rules {
			value, ok := getAtParts(next, o.parts[j])

			if rule.Kind == NormDefault {
				if !ok || value == nil {
					setAtParts(next, o.parts[j], deepCopyValue(rule.Args["value"]))
				}
				continue
			}
			if !ok {
				continue
			}

			if normalized, changed := normalizeValue(rule, value); changed {
				setAtParts(next, o.parts[j], normalized)
			}
		}
		out[i] = next
	}
	return out, nil
}

func normalizeValue(rule NormalizeRule, value interface{}) (interface{}, bool) {
	switch rule.Kind {
	case NormTrim:
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s), true
		}
	case NormLower:
		if s, ok := value.(string); ok {
			return strings.ToLower(s), true
		}
	case NormUpper:
		if s, ok := value.(string); ok {
			return strings.ToUpper(s), true
		}
	case NormTitle:
		if s, ok := value.(string); ok {
			return titleCase(s), true
		}
	case NormNumber:
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f, true
			}
			return value, false
		}
		if f, ok := toFloat(value); ok {
			return f, true
		}
	case NormBool:
		if b, ok := toBool(value); ok {
			return b, true
		}
	case NormDate:
		s, ok := value.(string)
		if !ok {
			return value, false
		}
		layouts := defaultDateLayouts
		if layout, ok := rule.Args["layout"].(string); ok && layout != "" {
			layouts = []string{layout}
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t.UTC().Format(time.RFC3339), true
			}
		}
	case NormRound:
		f, ok := toFloat(value)
		if !ok {
			return value, false
		}
		precision := 0.0
		if p, ok := rule.Args["precision"]; ok {
			precision, _ = toFloat(p)
		}
		factor := math.Pow(10, precision)
		return math.Round(f*factor) / factor, true
	}
	return value, false
}

// titleCase upper-cases the first letter of each space-separated word.
// strings.Title is deprecated and Unicode-aware casing is overkill here.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		if len(r) > 0 {
			upper := strings.ToUpper(string(r[0]))
			words[i] = upper + string(r[1:])
		}
	}
	return strings.Join(words, " ")
}
