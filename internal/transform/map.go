package transform

import (
	"context"
	"fmt"
)

// FieldMapping copies a value from one path to another.
type FieldMapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// mapOp renames or restructures fields. Missing sources are skipped so a
// single pipeline can serve payloads with optional fields.
type mapOp struct {
	Mappings []FieldMapping `json:"mappings"`
	Drop     bool           `json:"drop,omitempty"` // remove source fields after copying

	srcParts [][]pathPart
	dstParts [][]pathPart
}

func (o *mapOp) Name() string { return OpMap }

func (o *mapOp) Validate() error {
	if len(o.Mappings) == 0 {
		return fmt.Errorf("%w: map needs at least one mapping", ErrInvalidConfig)
	}
	o.srcParts = make([][]pathPart, len(o.Mappings))
	o.dstParts = make([][]pathPart, len(o.Mappings))
	for i, m := range o.Mappings {
		src, err := parsePath(m.Source)
		if err != nil {
			return fmt.Errorf("%w: map source %q: %v", ErrInvalidConfig, m.Source, err)
		}
		dst, err := parsePath(m.Target)
		if err != nil {
			return fmt.Errorf("%w: map target %q: %v", ErrInvalidConfig, m.Target, err)
		}
		o.srcParts[i] = src
		o.dstParts[i] = dst
	}
	return nil
}

func (o *mapOp) Apply(_ context.Context, rows []Row) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, row := range rows {
		next := deepCopyRow(row)
		for j := range o.Mappings {
			value, ok := getAtParts(next, o.srcParts[j])
			if !ok {
				continue
			}
			if o.Drop {
				deleteAtParts(next, o.srcParts[j])
			}
			setAtParts(next, o.dstParts[j], value)
		}
		out[i] = next
	}
	return out, nil
}
