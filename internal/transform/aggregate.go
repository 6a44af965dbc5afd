package transform

import (
	"context"
	"fmt"
)

// Aggregation functions shared by the aggregate and pivot operators.
const (
	AggCount = "count"
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggFirst = "first"
	AggLast  = "last"
)

func validAggFunc(fn string) bool {
	switch fn {
	case AggCount, AggSum, AggAvg, AggMin, AggMax, AggFirst, AggLast:
		return true
	}
	return false
}

// aggregateValues folds a list of collected values with the given
// function. Non-numeric values are skipped by sum/avg/min/max; avg, min
// and max yield nil when no numeric value was seen.
func aggregateValues(fn string, values []interface{}) interface{} {
	switch fn {
	case AggCount:
		return len(values)
	case AggFirst:
		if len(values) == 0 {
			return nil
		}
		return values[0]
	case AggLast:
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	}

	var sum float64
	var n int
	var min, max float64
	for _, v := range values {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		if n == 0 {
			min, max = f, f
		} else {
			if f < min {
				min = f
			}
			if f > max {
				max = f
			}
		}
		sum += f
		n++
	}

	switch fn {
	case AggSum:
		return sum
	case AggAvg:
		if n == 0 {
			return nil
		}
		return sum / float64(n)
	case AggMin:
		if n == 0 {
			return nil
		}
		return min
	case AggMax:
		if n == 0 {
			return nil
		}
		return max
	}
	return nil
}

// groupKey joins stringified key values with an unprintable separator so
// composite keys cannot collide with each other.
func groupKey(values []interface{}) string {
	key := ""
	for i, v := range values {
		if i > 0 {
			key += "\x1f"
		}
		key += stringify(v)
	}
	return key
}

// pathLeaf returns the last segment name of a parsed path, used for
// default output field names.
func pathLeaf(parts []pathPart) string {
	return parts[len(parts)-1].name
}

// Aggregation describes one output value per group.
type Aggregation struct {
	Field string `json:"field,omitempty"` // optional for count
	Func  string `json:"func"`
	As    string `json:"as,omitempty"` // default: <func>_<field leaf>, or "count"
}

// aggregateOp folds rows into one row per group. An empty group_by list
// folds everything into a single global group.
type aggregateOp struct {
	GroupBy      []string      `json:"group_by,omitempty"`
	Aggregations []Aggregation `json:"aggregations"`

	groupParts [][]pathPart
	aggParts   [][]pathPart // nil for field-less count
	outNames   []string
}

func (o *aggregateOp) Name() string { return OpAggregate }

func (o *aggregateOp) Validate() error {
	if len(o.Aggregations) == 0 {
		return fmt.Errorf("%w: aggregate needs at least one aggregation", ErrInvalidConfig)
	}

	o.groupParts = make([][]pathPart, len(o.GroupBy))
	for i, field := range o.GroupBy {
		parts, err := parsePath(field)
		if err != nil {
			return fmt.Errorf("%w: aggregate group_by %q: %v", ErrInvalidConfig, field, err)
		}
		o.groupParts[i] = parts
	}

	o.aggParts = make([][]pathPart, len(o.Aggregations))
	o.outNames = make([]string, len(o.Aggregations))
	for i, agg := range o.Aggregations {
		if !validAggFunc(agg.Func) {
			return fmt.Errorf("%w: aggregate func %q", ErrInvalidConfig, agg.Func)
		}
		if agg.Field == "" && agg.Func != AggCount {
			return fmt.Errorf("%w: aggregate %s needs a field", ErrInvalidConfig, agg.Func)
		}
		if agg.Field != "" {
			parts, err := parsePath(agg.Field)
			if err != nil {
				return fmt.Errorf("%w: aggregate field %q: %v", ErrInvalidConfig, agg.Field, err)
			}
			o.aggParts[i] = parts
		}

		name := agg.As
		if name == "" {
			if o.aggParts[i] == nil {
				name = AggCount
			} else {
				name = agg.Func + "_" + pathLeaf(o.aggParts[i])
			}
		}
		o.outNames[i] = name
	}
	return nil
}

func (o *aggregateOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	type bucket struct {
		keyValues []interface{}
		values    [][]interface{} // per aggregation
		rowCount  int
	}

	order := make([]string, 0)
	buckets := make(map[string]*bucket)

	for _, row := range rows {
		keyValues := make([]interface{}, len(o.groupParts))
		for i, parts := range o.groupParts {
			v, _ := getAtParts(row, parts)
			keyValues[i] = v
		}
		key := groupKey(keyValues)

		b, ok := buckets[key]
		if !ok {
			b = &bucket{keyValues: keyValues, values: make([][]interface{}, len(o.Aggregations))}
			buckets[key] = b
			order = append(order, key)
		}
		b.rowCount++

		for i := range o.Aggregations {
			if o.aggParts[i] == nil {
				continue // field-less count uses rowCount
			}
			if v, ok := getAtParts(row, o.aggParts[i]); ok {
				b.values[i] = append(b.values[i], v)
			}
		}
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		row := make(Row)
		for i, parts := range o.groupParts {
			setAtParts(row, parts, b.keyValues[i])
		}
		for i, agg := range o.Aggregations {
			if o.aggParts[i] == nil && agg.Func == AggCount {
				row[o.outNames[i]] = b.rowCount
				continue
			}
			row[o.outNames[i]] = aggregateValues(agg.Func, b.values[i])
		}
		out = append(out, row)
	}
	return out, nil
}

// groupOp collects rows into one row per distinct key:
// {<by>: key, <as>: [rows...]}. Key order follows first appearance.
type groupOp struct {
	By string `json:"by"`
	As string `json:"as,omitempty"` // default "items"

	byParts []pathPart
}

func (o *groupOp) Name() string { return OpGroup }

func (o *groupOp) Validate() error {
	if o.By == "" {
		return fmt.Errorf("%w: group needs a by field", ErrInvalidConfig)
	}
	parts, err := parsePath(o.By)
	if err != nil {
		return fmt.Errorf("%w: group by %q: %v", ErrInvalidConfig, o.By, err)
	}
	o.byParts = parts
	if o.As == "" {
		o.As = "items"
	}
	return nil
}

func (o *groupOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	type bucket struct {
		keyValue interface{}
		items    []interface{}
	}

	order := make([]string, 0)
	buckets := make(map[string]*bucket)

	for _, row := range rows {
		v, _ := getAtParts(row, o.byParts)
		key := stringify(v)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{keyValue: v}
			buckets[key] = b
			order = append(order, key)
		}
		b.items = append(b.items, map[string]interface{}(row))
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		row := make(Row)
		setAtParts(row, o.byParts, b.keyValue)
		row[o.As] = b.items
		out = append(out, row)
	}
	return out, nil
}

// pivotOp turns a long table into a wide one: one output row per distinct
// row key, one column per distinct column value. Cell collisions are
// resolved by the agg function (default first).
type pivotOp struct {
	Row    string `json:"row"`
	Column string `json:"column"`
	Value  string `json:"value"`
	Agg    string `json:"agg,omitempty"`

	rowParts []pathPart
	colParts []pathPart
	valParts []pathPart
}

func (o *pivotOp) Name() string { return OpPivot }

func (o *pivotOp) Validate() error {
	if o.Row == "" || o.Column == "" || o.Value == "" {
		return fmt.Errorf("%w: pivot needs row, column and value fields", ErrInvalidConfig)
	}
	if o.Agg == "" {
		o.Agg = AggFirst
	}
	if !validAggFunc(o.Agg) {
		return fmt.Errorf("%w: pivot agg %q", ErrInvalidConfig, o.Agg)
	}

	var err error
	if o.rowParts, err = parsePath(o.Row); err != nil {
		return fmt.Errorf("%w: pivot row %q: %v", ErrInvalidConfig, o.Row, err)
	}
	if o.colParts, err = parsePath(o.Column); err != nil {
		return fmt.Errorf("%w: pivot column %q: %v", ErrInvalidConfig, o.Column, err)
	}
	if o.valParts, err = parsePath(o.Value); err != nil {
		return fmt.Errorf("%w: pivot value %q: %v", ErrInvalidConfig, o.Value, err)
	}
	return nil
}

func (o *pivotOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	type bucket struct {
		keyValue interface{}
		cells    map[string][]interface{}
		colOrder []string
	}

	order := make([]string, 0)
	buckets := make(map[string]*bucket)

	for _, row := range rows {
		keyValue, _ := getAtParts(row, o.rowParts)
		key := stringify(keyValue)

		colValue, ok := getAtParts(row, o.colParts)
		if !ok {
			continue // nothing to pivot this row into
		}
		col := stringify(colValue)

		b, exists := buckets[key]
		if !exists {
			b = &bucket{keyValue: keyValue, cells: make(map[string][]interface{})}
			buckets[key] = b
			order = append(order, key)
		}
		if _, seen := b.cells[col]; !seen {
			b.colOrder = append(b.colOrder, col)
		}

		value, _ := getAtParts(row, o.valParts)
		b.cells[col] = append(b.cells[col], value)
	}

	out := make([]Row, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		row := make(Row)
		setAtParts(row, o.rowParts, b.keyValue)
		// Pivoted columns overwrite any field the row key path created
		for _, col := range b.colOrder {
			row[col] = aggregateValues(o.Agg, b.cells[col])
		}
		out = append(out, row)
	}
	return out, nil
}
