package transform

import (
	"context"
	"fmt"
	"strconv"
)

// flattenOp collapses nested objects into flat dotted keys:
// {"user": {"name": "ada"}} becomes {"user.name": "ada"}. Arrays are
// expanded to indexed keys only when Arrays is set.
type flattenOp struct {
	Separator string `json:"separator,omitempty"` // default "."
	MaxDepth  int    `json:"max_depth,omitempty"` // 0 = unlimited
	Arrays    bool   `json:"arrays,omitempty"`
}

func (o *flattenOp) Name() string { return OpFlatten }

func (o *flattenOp) Validate() error {
	if o.MaxDepth < 0 {
		return fmt.Errorf("%w: flatten max_depth must be >= 0", ErrInvalidConfig)
	}
	if o.Separator == "" {
		o.Separator = "."
	}
	return nil
}

func (o *flattenOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		flat := make(Row, len(row))
		for k, v := range row {
			o.flattenInto(flat, k, v, 1)
		}
		out[i] = flat
	}
	return out, nil
}

func (o *flattenOp) flattenInto(dst Row, key string, value interface{}, depth int) {
	if o.MaxDepth > 0 && depth > o.MaxDepth {
		dst[key] = deepCopyValue(value)
		return
	}

	switch v := value.(type) {
	case map[string]interface{}:
		if len(v) == 0 {
			dst[key] = Row{}
			return
		}
		for k, nested := range v {
			o.flattenInto(dst, key+o.Separator+k, nested, depth+1)
		}
	case []interface{}:
		if !o.Arrays {
			dst[key] = deepCopySlice(v)
			return
		}
		if len(v) == 0 {
			dst[key] = []interface{}{}
			return
		}
		for idx, nested := range v {
			o.flattenInto(dst, key+o.Separator+strconv.Itoa(idx), nested, depth+1)
		}
	default:
		dst[key] = value
	}
}
