package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyOp(t *testing.T, op Operator, rows []Row) []Row {
	t.Helper()
	require.NoError(t, op.Validate())
	out, err := op.Apply(context.Background(), rows)
	require.NoError(t, err)
	return out
}

func TestMapOp(t *testing.T) {
	rows := []Row{
		{"first": "ada", "last": "lovelace"},
		{"first": "alan"},
	}

	t.Run("copies source to target", func(t *testing.T) {
		op := &mapOp{Mappings: []FieldMapping{{Source: "first", Target: "profile.name"}}}
		out := applyOp(t, op, rows)

		got, ok := GetField(out[0], "profile.name")
		require.True(t, ok)
		assert.Equal(t, "ada", got)

		// source kept without drop
		_, ok = GetField(out[0], "first")
		assert.True(t, ok)
	})

	t.Run("drop removes source", func(t *testing.T) {
		op := &mapOp{Mappings: []FieldMapping{{Source: "first", Target: "name"}}, Drop: true}
		out := applyOp(t, op, rows)

		_, ok := GetField(out[0], "first")
		assert.False(t, ok)
		got, _ := GetField(out[0], "name")
		assert.Equal(t, "ada", got)
	})

	t.Run("missing source is skipped", func(t *testing.T) {
		op := &mapOp{Mappings: []FieldMapping{{Source: "last", Target: "surname"}}}
		out := applyOp(t, op, rows)

		_, ok := GetField(out[1], "surname")
		assert.False(t, ok)
	})

	t.Run("does not mutate input", func(t *testing.T) {
		op := &mapOp{Mappings: []FieldMapping{{Source: "first", Target: "renamed"}}, Drop: true}
		applyOp(t, op, rows)

		assert.Equal(t, "ada", rows[0]["first"])
		_, ok := rows[0]["renamed"]
		assert.False(t, ok)
	})

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&mapOp{}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&mapOp{Mappings: []FieldMapping{{Source: "", Target: "x"}}}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&mapOp{Mappings: []FieldMapping{{Source: "a", Target: "b["}}}).Validate(), ErrInvalidConfig)
	})
}

func TestFilterOp(t *testing.T) {
	rows := []Row{
		{"name": "widget", "price": 10.0, "tags": []interface{}{"sale", "new"}},
		{"name": "gadget", "price": 25.0, "tags": []interface{}{"new"}},
		{"name": "gizmo", "price": 5.0},
	}

	tests := []struct {
		name      string
		op        *filterOp
		wantNames []string
	}{
		{
			name:      "eq",
			op:        &filterOp{Conditions: []Condition{{Field: "name", Op: CondEq, Value: "widget"}}},
			wantNames: []string{"widget"},
		},
		{
			name:      "ne",
			op:        &filterOp{Conditions: []Condition{{Field: "name", Op: CondNe, Value: "widget"}}},
			wantNames: []string{"gadget", "gizmo"},
		},
		{
			name:      "gt numeric",
			op:        &filterOp{Conditions: []Condition{{Field: "price", Op: CondGt, Value: 9}}},
			wantNames: []string{"widget", "gadget"},
		},
		{
			name:      "lte numeric",
			op:        &filterOp{Conditions: []Condition{{Field: "price", Op: CondLte, Value: 10}}},
			wantNames: []string{"widget", "gizmo"},
		},
		{
			name:      "contains substring",
			op:        &filterOp{Conditions: []Condition{{Field: "name", Op: CondContains, Value: "get"}}},
			wantNames: []string{"widget", "gadget"},
		},
		{
			name:      "contains array member",
			op:        &filterOp{Conditions: []Condition{{Field: "tags", Op: CondContains, Value: "sale"}}},
			wantNames: []string{"widget"},
		},
		{
			name:      "in",
			op:        &filterOp{Conditions: []Condition{{Field: "name", Op: CondIn, Value: []interface{}{"gizmo", "gadget"}}}},
			wantNames: []string{"gadget", "gizmo"},
		},
		{
			name:      "exists",
			op:        &filterOp{Conditions: []Condition{{Field: "tags", Op: CondExists}}},
			wantNames: []string{"widget", "gadget"},
		},
		{
			name:      "exists false",
			op:        &filterOp{Conditions: []Condition{{Field: "tags", Op: CondExists, Value: false}}},
			wantNames: []string{"gizmo"},
		},
		{
			name:      "regex",
			op:        &filterOp{Conditions: []Condition{{Field: "name", Op: CondRegex, Value: "^g"}}},
			wantNames: []string{"gadget", "gizmo"},
		},
		{
			name: "all mode",
			op: &filterOp{Conditions: []Condition{
				{Field: "price", Op: CondGt, Value: 1},
				{Field: "name", Op: CondContains, Value: "g"},
			}},
			wantNames: []string{"widget", "gadget", "gizmo"},
		},
		{
			name: "any mode",
			op: &filterOp{
				Mode: "any",
				Conditions: []Condition{
					{Field: "name", Op: CondEq, Value: "widget"},
					{Field: "price", Op: CondLt, Value: 6},
				},
			},
			wantNames: []string{"widget", "gizmo"},
		},
		{
			name:      "missing field never matches",
			op:        &filterOp{Conditions: []Condition{{Field: "tags", Op: CondContains, Value: "new"}}},
			wantNames: []string{"widget", "gadget"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := applyOp(t, tt.op, rows)
			names := make([]string, 0, len(out))
			for _, row := range out {
				names = append(names, row["name"].(string))
			}
			assert.Equal(t, tt.wantNames, names)
		})
	}

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&filterOp{}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&filterOp{
			Mode:       "some",
			Conditions: []Condition{{Field: "a", Op: CondEq}},
		}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&filterOp{
			Conditions: []Condition{{Field: "a", Op: "like", Value: "x"}},
		}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&filterOp{
			Conditions: []Condition{{Field: "a", Op: CondIn, Value: "not-an-array"}},
		}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&filterOp{
			Conditions: []Condition{{Field: "a", Op: CondRegex, Value: "("}},
		}).Validate(), ErrInvalidConfig)
	})
}

func TestAggregateOp(t *testing.T) {
	rows := []Row{
		{"region": "eu", "amount": 10.0, "qty": 1},
		{"region": "us", "amount": 20.0, "qty": 2},
		{"region": "eu", "amount": 30.0, "qty": 3},
		{"region": "us", "amount": 40.0},
	}

	t.Run("grouped aggregations", func(t *testing.T) {
		op := &aggregateOp{
			GroupBy: []string{"region"},
			Aggregations: []Aggregation{
				{Func: AggCount},
				{Field: "amount", Func: AggSum},
				{Field: "amount", Func: AggAvg, As: "avg_amount"},
				{Field: "amount", Func: AggMin},
				{Field: "amount", Func: AggMax},
				{Field: "qty", Func: AggFirst, As: "first_qty"},
			},
		}
		out := applyOp(t, op, rows)
		require.Len(t, out, 2)

		// first-appearance order: eu then us
		assert.Equal(t, "eu", out[0]["region"])
		assert.Equal(t, 2, out[0]["count"])
		assert.Equal(t, 40.0, out[0]["sum_amount"])
		assert.Equal(t, 20.0, out[0]["avg_amount"])
		assert.Equal(t, 10.0, out[0]["min_amount"])
		assert.Equal(t, 30.0, out[0]["max_amount"])
		assert.Equal(t, 1, out[0]["first_qty"])

		assert.Equal(t, "us", out[1]["region"])
		assert.Equal(t, 2, out[1]["count"])
		assert.Equal(t, 60.0, out[1]["sum_amount"])
	})

	t.Run("global group", func(t *testing.T) {
		op := &aggregateOp{
			Aggregations: []Aggregation{
				{Func: AggCount},
				{Field: "amount", Func: AggSum, As: "total"},
			},
		}
		out := applyOp(t, op, rows)
		require.Len(t, out, 1)
		assert.Equal(t, 4, out[0]["count"])
		assert.Equal(t, 100.0, out[0]["total"])
	})

	t.Run("non numeric values are skipped", func(t *testing.T) {
		mixed := []Row{
			{"k": "a", "v": 1.0},
			{"k": "a", "v": "oops"},
		}
		op := &aggregateOp{
			GroupBy:      []string{"k"},
			Aggregations: []Aggregation{{Field: "v", Func: AggSum}, {Field: "v", Func: AggAvg}},
		}
		out := applyOp(t, op, mixed)
		require.Len(t, out, 1)
		assert.Equal(t, 1.0, out[0]["sum_v"])
		assert.Equal(t, 1.0, out[0]["avg_v"])
	})

	t.Run("avg of nothing is nil", func(t *testing.T) {
		op := &aggregateOp{
			Aggregations: []Aggregation{{Field: "missing", Func: AggAvg}},
		}
		out := applyOp(t, op, rows)
		require.Len(t, out, 1)
		assert.Nil(t, out[0]["avg_missing"])
	})

	t.Run("count with field counts presence", func(t *testing.T) {
		op := &aggregateOp{
			GroupBy:      []string{"region"},
			Aggregations: []Aggregation{{Field: "qty", Func: AggCount, As: "qty_count"}},
		}
		out := applyOp(t, op, rows)
		assert.Equal(t, 2, out[0]["qty_count"]) // eu: both rows have qty
		assert.Equal(t, 1, out[1]["qty_count"]) // us: one row missing qty
	})

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&aggregateOp{}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&aggregateOp{
			Aggregations: []Aggregation{{Field: "x", Func: "median"}},
		}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&aggregateOp{
			Aggregations: []Aggregation{{Func: AggSum}},
		}).Validate(), ErrInvalidConfig)
	})
}

func TestEnrichOp(t *testing.T) {
	rows := []Row{
		{"first": "ada", "last": "lovelace", "a": 2.0, "b": 3.0},
	}

	t.Run("static fields", func(t *testing.T) {
		op := &enrichOp{Static: map[string]interface{}{"meta.source": "import"}}
		out := applyOp(t, op, rows)

		got, ok := GetField(out[0], "meta.source")
		require.True(t, ok)
		assert.Equal(t, "import", got)
	})

	t.Run("concat", func(t *testing.T) {
		op := &enrichOp{Computed: []ComputedField{{
			Target: "full_name",
			Kind:   ComputedConcat,
			Fields: []string{"first", "last"},
		}}}
		out := applyOp(t, op, rows)
		assert.Equal(t, "ada lovelace", out[0]["full_name"])
	})

	t.Run("sum", func(t *testing.T) {
		op := &enrichOp{Computed: []ComputedField{{
			Target: "total",
			Kind:   ComputedSum,
			Fields: []string{"a", "b"},
		}}}
		out := applyOp(t, op, rows)
		assert.Equal(t, 5.0, out[0]["total"])
	})

	t.Run("template", func(t *testing.T) {
		op := &enrichOp{Computed: []ComputedField{{
			Target:   "greeting",
			Kind:     ComputedTemplate,
			Template: "Hello {first}, missing={nope}",
		}}}
		out := applyOp(t, op, rows)
		assert.Equal(t, "Hello ada, missing=", out[0]["greeting"])
	})

	t.Run("lookup memoizes keys", func(t *testing.T) {
		engine := NewEngine(nil)
		calls := 0
		engine.RegisterLookup("geo", func(_ context.Context, key string) (interface{}, error) {
			calls++
			return map[string]interface{}{"key": key}, nil
		})

		op := &enrichOp{
			engine: engine,
			Lookup: &Lookup{Source: "geo", KeyField: "city", Target: "geo"},
		}
		out := applyOp(t, op, []Row{
			{"city": "paris"},
			{"city": "paris"},
			{"city": "rome"},
		})

		assert.Equal(t, 2, calls)
		got, ok := GetField(out[0], "geo.key")
		require.True(t, ok)
		assert.Equal(t, "paris", got)
	})

	t.Run("unknown lookup fails validation", func(t *testing.T) {
		op := &enrichOp{
			engine: NewEngine(nil),
			Lookup: &Lookup{Source: "nowhere", KeyField: "k", Target: "t"},
		}
		assert.ErrorIs(t, op.Validate(), ErrUnknownLookup)
	})

	t.Run("empty config fails validation", func(t *testing.T) {
		assert.ErrorIs(t, (&enrichOp{}).Validate(), ErrInvalidConfig)
	})
}

func TestNormalizeOp(t *testing.T) {
	tests := []struct {
		name string
		rule NormalizeRule
		in   interface{}
		want interface{}
	}{
		{"trim", NormalizeRule{Field: "v", Kind: NormTrim}, "  x  ", "x"},
		{"lower", NormalizeRule{Field: "v", Kind: NormLower}, "ABC", "abc"},
		{"upper", NormalizeRule{Field: "v", Kind: NormUpper}, "abc", "ABC"},
		{"title", NormalizeRule{Field: "v", Kind: NormTitle}, "hello WORLD", "Hello World"},
		{"number from string", NormalizeRule{Field: "v", Kind: NormNumber}, " 42.5 ", 42.5},
		{"number unparseable left alone", NormalizeRule{Field: "v", Kind: NormNumber}, "n/a", "n/a"},
		{"bool from string", NormalizeRule{Field: "v", Kind: NormBool}, "Yes", true},
		{"date to rfc3339", NormalizeRule{Field: "v", Kind: NormDate, Args: map[string]interface{}{"layout": "01/02/2006"}}, "03/15/2024", "2024-03-15T00:00:00Z"},
		{"date default layouts", NormalizeRule{Field: "v", Kind: NormDate}, "2024-03-15", "2024-03-15T00:00:00Z"},
		{"round", NormalizeRule{Field: "v", Kind: NormRound, Args: map[string]interface{}{"precision": 1}}, 3.14159, 3.1},
		{"round to int", NormalizeRule{Field: "v", Kind: NormRound}, 2.7, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &normalizeOp{Rules: []NormalizeRule{tt.rule}}
			out := applyOp(t, op, []Row{{"v": tt.in}})
			assert.Equal(t, tt.want, out[0]["v"])
		})
	}

	t.Run("default fills missing and nil", func(t *testing.T) {
		op := &normalizeOp{Rules: []NormalizeRule{
			{Field: "status", Kind: NormDefault, Args: map[string]interface{}{"value": "pending"}},
		}}
		out := applyOp(t, op, []Row{{}, {"status": nil}, {"status": "done"}})
		assert.Equal(t, "pending", out[0]["status"])
		assert.Equal(t, "pending", out[1]["status"])
		assert.Equal(t, "done", out[2]["status"])
	})

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&normalizeOp{}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&normalizeOp{Rules: []NormalizeRule{{Field: "v", Kind: "casefold"}}}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&normalizeOp{Rules: []NormalizeRule{{Field: "v", Kind: NormDefault}}}).Validate(), ErrInvalidConfig)
	})
}

func TestSortOp(t *testing.T) {
	rows := []Row{
		{"name": "c", "score": 1.0},
		{"name": "a", "score": 3.0},
		{"name": "b"},
		{"name": "d", "score": 3.0},
	}

	t.Run("ascending with nil last", func(t *testing.T) {
		op := &sortOp{Keys: []SortKey{{Field: "score"}}}
		out := applyOp(t, op, rows)

		names := []string{}
		for _, r := range out {
			names = append(names, r["name"].(string))
		}
		assert.Equal(t, []string{"c", "a", "d", "b"}, names)
	})

	t.Run("descending keeps nil last", func(t *testing.T) {
		op := &sortOp{Keys: []SortKey{{Field: "score", Desc: true}}}
		out := applyOp(t, op, rows)

		names := []string{}
		for _, r := range out {
			names = append(names, r["name"].(string))
		}
		assert.Equal(t, []string{"a", "d", "c", "b"}, names)
	})

	t.Run("multi key tiebreak", func(t *testing.T) {
		op := &sortOp{Keys: []SortKey{
			{Field: "score", Desc: true},
			{Field: "name", Desc: true},
		}}
		out := applyOp(t, op, rows)

		names := []string{}
		for _, r := range out {
			names = append(names, r["name"].(string))
		}
		assert.Equal(t, []string{"d", "a", "c", "b"}, names)
	})

	t.Run("does not reorder input", func(t *testing.T) {
		op := &sortOp{Keys: []SortKey{{Field: "name"}}}
		applyOp(t, op, rows)
		assert.Equal(t, "c", rows[0]["name"])
	})

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&sortOp{}).Validate(), ErrInvalidConfig)
	})
}

func TestGroupOp(t *testing.T) {
	rows := []Row{
		{"region": "eu", "id": 1},
		{"region": "us", "id": 2},
		{"region": "eu", "id": 3},
	}

	op := &groupOp{By: "region"}
	out := applyOp(t, op, rows)
	require.Len(t, out, 2)

	assert.Equal(t, "eu", out[0]["region"])
	items := out[0]["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].(map[string]interface{})["id"])
	assert.Equal(t, 3, items[1].(map[string]interface{})["id"])

	assert.Equal(t, "us", out[1]["region"])

	t.Run("custom as", func(t *testing.T) {
		op := &groupOp{By: "region", As: "rows"}
		out := applyOp(t, op, rows)
		assert.Len(t, out[0]["rows"], 2)
	})

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&groupOp{}).Validate(), ErrInvalidConfig)
	})
}

func TestFlattenOp(t *testing.T) {
	rows := []Row{{
		"id": 1,
		"user": map[string]interface{}{
			"name":    "ada",
			"address": map[string]interface{}{"city": "london"},
		},
		"tags": []interface{}{"a", "b"},
	}}

	t.Run("flattens nested maps", func(t *testing.T) {
		op := &flattenOp{}
		out := applyOp(t, op, rows)

		assert.Equal(t, 1, out[0]["id"])
		assert.Equal(t, "ada", out[0]["user.name"])
		assert.Equal(t, "london", out[0]["user.address.city"])
		// arrays kept whole by default
		assert.Equal(t, []interface{}{"a", "b"}, out[0]["tags"])
	})

	t.Run("flattens arrays when asked", func(t *testing.T) {
		op := &flattenOp{Arrays: true}
		out := applyOp(t, op, rows)

		assert.Equal(t, "a", out[0]["tags.0"])
		assert.Equal(t, "b", out[0]["tags.1"])
	})

	t.Run("max depth", func(t *testing.T) {
		op := &flattenOp{MaxDepth: 1}
		out := applyOp(t, op, rows)

		assert.Equal(t, "ada", out[0]["user.name"])
		nested, ok := out[0]["user.address"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "london", nested["city"])
	})

	t.Run("custom separator", func(t *testing.T) {
		op := &flattenOp{Separator: "__"}
		out := applyOp(t, op, rows)
		assert.Equal(t, "london", out[0]["user__address__city"])
	})

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&flattenOp{MaxDepth: -1}).Validate(), ErrInvalidConfig)
	})
}

func TestPivotOp(t *testing.T) {
	rows := []Row{
		{"region": "eu", "month": "jan", "revenue": 10.0},
		{"region": "eu", "month": "feb", "revenue": 20.0},
		{"region": "us", "month": "jan", "revenue": 30.0},
		{"region": "eu", "month": "jan", "revenue": 5.0},
	}

	t.Run("first wins by default", func(t *testing.T) {
		op := &pivotOp{Row: "region", Column: "month", Value: "revenue"}
		out := applyOp(t, op, rows)
		require.Len(t, out, 2)

		assert.Equal(t, "eu", out[0]["region"])
		assert.Equal(t, 10.0, out[0]["jan"])
		assert.Equal(t, 20.0, out[0]["feb"])

		assert.Equal(t, "us", out[1]["region"])
		assert.Equal(t, 30.0, out[1]["jan"])
		_, ok := out[1]["feb"]
		assert.False(t, ok)
	})

	t.Run("sum aggregates collisions", func(t *testing.T) {
		op := &pivotOp{Row: "region", Column: "month", Value: "revenue", Agg: AggSum}
		out := applyOp(t, op, rows)

		assert.Equal(t, 15.0, out[0]["jan"])
	})

	t.Run("rows without a column value are dropped", func(t *testing.T) {
		op := &pivotOp{Row: "region", Column: "quarter", Value: "revenue"}
		out := applyOp(t, op, rows)
		assert.Len(t, out, 0)
	})

	t.Run("validation failures", func(t *testing.T) {
		assert.ErrorIs(t, (&pivotOp{}).Validate(), ErrInvalidConfig)
		assert.ErrorIs(t, (&pivotOp{Row: "a", Column: "b", Value: "c", Agg: "mode"}).Validate(), ErrInvalidConfig)
	})
}
