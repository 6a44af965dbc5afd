package transform

import (
	"context"
	"fmt"
	"regexp"
)

// Computed field kinds.
const (
	ComputedConcat   = "concat"
	ComputedSum      = "sum"
	ComputedTemplate = "template"
)

var templatePattern = regexp.MustCompile(`\{([^{}]+)\}`)

// ComputedField derives a new value from existing fields.
type ComputedField struct {
	Target    string   `json:"target"`
	Kind      string   `json:"kind"`
	Fields    []string `json:"fields,omitempty"`    // concat, sum
	Separator string   `json:"separator,omitempty"` // concat, default " "
	Template  string   `json:"template,omitempty"`  // template, "{path}" placeholders
}

// Lookup enriches rows through a registered lookup source, typically a
// connector client. The key field's value is passed to the source and the
// result lands at the target path.
type Lookup struct {
	Source   string `json:"source"`
	KeyField string `json:"key_field"`
	Target   string `json:"target"`
}

// enrichOp adds static fields, computed fields, and lookup results.
type enrichOp struct {
	Static   map[string]interface{} `json:"static,omitempty"`
	Computed []ComputedField        `json:"computed,omitempty"`
	Lookup   *Lookup                `json:"lookup,omitempty"`

	engine      *Engine
	staticParts map[string][]pathPart
	targetParts [][]pathPart
	fieldParts  [][][]pathPart
	lookupKey   []pathPart
	lookupDst   []pathPart
}

func (o *enrichOp) Name() string { return OpEnrich }

func (o *enrichOp) Validate() error {
	if len(o.Static) == 0 && len(o.Computed) == 0 && o.Lookup == nil {
		return fmt.Errorf("%w: enrich needs static, computed or lookup", ErrInvalidConfig)
	}

	o.staticParts = make(map[string][]pathPart, len(o.Static))
	for path := range o.Static {
		parts, err := parsePath(path)
		if err != nil {
			return fmt.Errorf("%w: enrich static %q: %v", ErrInvalidConfig, path, err)
		}
		o.staticParts[path] = parts
	}

	o.targetParts = make([][]pathPart, len(o.Computed))
	o.fieldParts = make([][][]pathPart, len(o.Computed))
	for i, cf := range o.Computed {
		parts, err := parsePath(cf.Target)
		if err != nil {
			return fmt.Errorf("%w: enrich computed target %q: %v", ErrInvalidConfig, cf.Target, err)
		}
		o.targetParts[i] = parts

		switch cf.Kind {
		case ComputedConcat, ComputedSum:
			if len(cf.Fields) == 0 {
				return fmt.Errorf("%w: enrich %s needs fields", ErrInvalidConfig, cf.Kind)
			}
			o.fieldParts[i] = make([][]pathPart, len(cf.Fields))
			for j, f := range cf.Fields {
				fp, err := parsePath(f)
				if err != nil {
					return fmt.Errorf("%w: enrich field %q: %v", ErrInvalidConfig, f, err)
				}
				o.fieldParts[i][j] = fp
			}
		case ComputedTemplate:
			if cf.Template == "" {
				return fmt.Errorf("%w: enrich template needs a template string", ErrInvalidConfig)
			}
		default:
			return fmt.Errorf("%w: enrich computed kind %q", ErrInvalidConfig, cf.Kind)
		}
	}

	if o.Lookup != nil {
		if o.Lookup.Source == "" {
			return fmt.Errorf("%w: enrich lookup needs a source", ErrInvalidConfig)
		}
		if o.engine == nil || !o.engine.hasLookup(o.Lookup.Source) {
			return fmt.Errorf("%w: %q", ErrUnknownLookup, o.Lookup.Source)
		}
		var err error
		if o.lookupKey, err = parsePath(o.Lookup.KeyField); err != nil {
			return fmt.Errorf("%w: enrich lookup key_field %q: %v", ErrInvalidConfig, o.Lookup.KeyField, err)
		}
		if o.lookupDst, err = parsePath(o.Lookup.Target); err != nil {
			return fmt.Errorf("%w: enrich lookup target %q: %v", ErrInvalidConfig, o.Lookup.Target, err)
		}
	}
	return nil
}

func (o *enrichOp) Apply(ctx context.Context, rows []Row) ([]Row, error) {
	var lookupFn LookupFunc
	if o.Lookup != nil {
		lookupFn, _ = o.engine.lookup(o.Lookup.Source)
	}
	// Lookup results are memoized per Apply so repeated keys hit the
	// source once.
	lookupSeen := make(map[string]interface{})

	out := make([]Row, len(rows))
	for i, row := range rows {
		next := deepCopyRow(row)

		for path, value := range o.Static {
			setAtParts(next, o.staticParts[path], deepCopyValue(value))
		}

		for j, cf := range o.Computed {
			setAtParts(next, o.targetParts[j], o.compute(next, j, cf))
		}

		if lookupFn != nil {
			key, ok := getAtParts(next, o.lookupKey)
			if ok {
				keyStr := stringify(key)
				result, seen := lookupSeen[keyStr]
				if !seen {
					var err error
					result, err = lookupFn(ctx, keyStr)
					if err != nil {
						return nil, fmt.Errorf("enrich lookup %q for key %q: %w", o.Lookup.Source, keyStr, err)
					}
					lookupSeen[keyStr] = result
				}
				if result != nil {
					setAtParts(next, o.lookupDst, deepCopyValue(result))
				}
			}
		}

		out[i] = next
	}
	return out, nil
}

func (o *enrichOp) compute(row Row, idx int, cf ComputedField) interface{} {
	switch cf.Kind {
	case ComputedConcat:
		sep := cf.Separator
		if sep == "" {
			sep = " "
		}
		result := ""
		for j, parts := range o.fieldParts[idx] {
			v, _ := getAtParts(row, parts)
			if j > 0 {
				result += sep
			}
			result += stringify(v)
		}
		return result
	case ComputedSum:
		var sum float64
		for _, parts := range o.fieldParts[idx] {
			if v, ok := getAtParts(row, parts); ok {
				if f, fok := toFloat(v); fok {
					sum += f
				}
			}
		}
		return sum
	case ComputedTemplate:
		return templatePattern.ReplaceAllStringFunc(cf.Template, func(match string) string {
			path := match[1 : len(match)-1]
			if v, ok := GetField(row, path); ok {
				return stringify(v)
			}
			return ""
		})
	}
	return nil
}
