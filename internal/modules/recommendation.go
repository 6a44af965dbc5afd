package modules

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"agentry/pkg/models"
)

// recommendation ops
const (
	opEq       = "eq"
	opNeq      = "neq"
	opGt       = "gt"
	opGte      = "gte"
	opLt       = "lt"
	opLte      = "lte"
	opContains = "contains"
)

// scoreRule is one weighted condition. A missing weight counts as 1.
type scoreRule struct {
	Field  string
	Op     string
	Value  interface{}
	Weight float64
}

// RecommendationModule ranks items with weighted field rules. Fully
// deterministic; rule order decides nothing, input order breaks ties.
type RecommendationModule struct{}

func NewRecommendationModule() *RecommendationModule {
	return &RecommendationModule{}
}

func (m *RecommendationModule) Descriptor() Descriptor {
	return Descriptor{
		Key:         "recommendation",
		Name:        "Recommendation",
		Version:     "1.0.0",
		Category:    "analysis",
		CreditCost:  1,
		Description: "Scores and ranks items with weighted field rules.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"items":   map[string]interface{}{"type": "array"},
				"rules":   map[string]interface{}{"type": "array"},
				"top_n":   map[string]interface{}{"type": "integer"},
				"explain": map[string]interface{}{"type": "boolean"},
			},
			"required": []string{"items", "rules"},
		},
	}
}

func (m *RecommendationModule) Invoke(ctx context.Context, agent *models.Agent, input map[string]interface{}) (map[string]interface{}, error) {
	items, err := coerceRows(input["items"])
	if err != nil {
		return nil, fmt.Errorf("items: %w", err)
	}
	rules, err := parseRules(input["rules"])
	if err != nil {
		return nil, err
	}

	topN := 5
	if raw, ok := input["top_n"]; ok && raw != nil {
		n, ok := intValue(raw)
		if !ok || n < 1 {
			return nil, fmt.Errorf("top_n must be a positive integer")
		}
		topN = int(n)
	}
	explain, _ := input["explain"].(bool)

	type scored struct {
		index   int
		score   float64
		reasons []string
	}
	ranked := make([]scored, 0, len(items))
	for i, item := range items {
		entry := scored{index: i}
		for _, rule := range rules {
			if !rule.matches(item) {
				continue
			}
			entry.score += rule.Weight
			if explain {
				entry.reasons = append(entry.reasons,
					fmt.Sprintf("%s %s %v (+%g)", rule.Field, rule.Op, rule.Value, rule.Weight))
			}
		}
		ranked = append(ranked, entry)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if topN > len(ranked) {
		topN = len(ranked)
	}

	out := make([]map[string]interface{}, 0, topN)
	for _, entry := range ranked[:topN] {
		item := make(map[string]interface{}, len(items[entry.index])+2)
		for k, v := range items[entry.index] {
			item[k] = v
		}
		item["score"] = entry.score
		if explain {
			if entry.reasons == nil {
				entry.reasons = []string{}
			}
			item["reasons"] = entry.reasons
		}
		out = append(out, item)
	}

	return map[string]interface{}{
		"items":     out,
		"evaluated": len(items),
	}, nil
}

func parseRules(raw interface{}) ([]scoreRule, error) {
	list, ok := raw.([]interface{})
	if !ok {
		if typed, isTyped := raw.([]map[string]interface{}); isTyped {
			list = make([]interface{}, len(typed))
			for i := range typed {
				list[i] = typed[i]
			}
		} else {
			return nil, fmt.Errorf("rules must be an array of objects")
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("rules must not be empty")
	}

	rules := make([]scoreRule, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("rule %d is not an object", i)
		}
		rule := scoreRule{Weight: 1}
		rule.Field, _ = m["field"].(string)
		rule.Op, _ = m["op"].(string)
		rule.Value = m["value"]
		if w, present := m["weight"]; present {
			f, ok := floatValue(w)
			if !ok {
				return nil, fmt.Errorf("rule %d: weight must be a number", i)
			}
			rule.Weight = f
		}

		if rule.Field == "" {
			return nil, fmt.Errorf("rule %d: field is required", i)
		}
		switch rule.Op {
		case opEq, opNeq, opGt, opGte, opLt, opLte, opContains:
		case "":
			return nil, fmt.Errorf("rule %d: op is required", i)
		default:
			return nil, fmt.Errorf("rule %d: unsupported op %q", i, rule.Op)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r scoreRule) matches(item map[string]interface{}) bool {
	value, exists := item[r.Field]
	if !exists || value == nil {
		return false
	}

	switch r.Op {
	case opEq:
		return looseEquals(value, r.Value)
	case opNeq:
		return !looseEquals(value, r.Value)
	case opContains:
		return strings.Contains(
			strings.ToLower(stringifyValue(value)),
			strings.ToLower(stringifyValue(r.Value)),
		)
	default:
		cmp, ok := compareLoose(value, r.Value)
		if !ok {
			return false
		}
		switch r.Op {
		case opGt:
			return cmp > 0
		case opGte:
			return cmp >= 0
		case opLt:
			return cmp < 0
		case opLte:
			return cmp <= 0
		}
	}
	return false
}

// looseEquals matches across numeric types, so 5 equals 5.0.
func looseEquals(a, b interface{}) bool {
	if af, aok := floatValue(a); aok {
		if bf, bok := floatValue(b); bok {
			return af == bf
		}
	}
	return stringifyValue(a) == stringifyValue(b)
}

func compareLoose(a, b interface{}) (int, bool) {
	af, aok := floatValue(a)
	bf, bok := floatValue(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func floatValue(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringifyValue(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
