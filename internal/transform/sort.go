package transform

import (
	"context"
	"fmt"
	"sort"
)

// SortKey orders rows by the value at a field path.
type SortKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// sortOp stably sorts rows by one or more keys. Missing values sort last
// regardless of direction.
type sortOp struct {
	Keys []SortKey `json:"keys"`

	parts [][]pathPart
}

func (o *sortOp) Name() string { return OpSort }

func (o *sortOp) Validate() error {
	if len(o.Keys) == 0 {
		return fmt.Errorf("%w: sort needs at least one key", ErrInvalidConfig)
	}
	o.parts = make([][]pathPart, len(o.Keys))
	for i, key := range o.Keys {
		parts, err := parsePath(key.Field)
		if err != nil {
			return fmt.Errorf("%w: sort key %q: %v", ErrInvalidConfig, key.Field, err)
		}
		o.parts[i] = parts
	}
	return nil
}

func (o *sortOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	out := make([]Row, len(rows))
	copy(out, rows)

	sort.SliceStable(out, func(a, b int) bool {
		for i := range o.Keys {
			av, aok := getAtParts(out[a], o.parts[i])
			bv, bok := getAtParts(out[b], o.parts[i])
			if !aok {
				av = nil
			}
			if !bok {
				bv = nil
			}

			// nil always sorts last, even descending
			if av == nil || bv == nil {
				if av == nil && bv == nil {
					continue
				}
				return bv == nil
			}

			c := compareValues(av, bv)
			if c == 0 {
				continue
			}
			if o.Keys[i].Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out, nil
}
