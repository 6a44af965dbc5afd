package transform

import (
	"fmt"
	"strconv"
	"strings"
)

// pathPart is one segment of a parsed field path. An array segment carries
// the index it addresses, e.g. "items[2]" parses to {name: items, index: 2}.
type pathPart struct {
	name    string
	isArray bool
	index   int
}

// parsePath parses a dot-separated field path with optional array indices.
// Examples: "name", "user.address.city", "items[0].price", "tags[2]".
func parsePath(path string) ([]pathPart, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}

	var parts []pathPart
	var cur, bracket strings.Builder
	inBracket := false

	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, pathPart{name: cur.String(), index: -1})
			cur.Reset()
		}
	}

	for i := 0; i < len(path); i++ {
		ch := path[i]
		switch {
		case inBracket:
			if ch != ']' {
				bracket.WriteByte(ch)
				continue
			}
			inBracket = false
			idx, err := strconv.Atoi(bracket.String())
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: bad array index %q in %q", ErrInvalidPath, bracket.String(), path)
			}
			parts = append(parts, pathPart{name: cur.String(), isArray: true, index: idx})
			cur.Reset()
		case ch == '.':
			flush()
		case ch == '[':
			if cur.Len() == 0 {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
			}
			inBracket = true
			bracket.Reset()
		case ch == ']':
			return nil, fmt.Errorf("%w: unmatched bracket in %q", ErrInvalidPath, path)
		default:
			cur.WriteByte(ch)
		}
	}

	if inBracket {
		return nil, fmt.Errorf("%w: unclosed bracket in %q", ErrInvalidPath, path)
	}
	flush()

	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return parts, nil
}

// getAtParts reads the value at a parsed path. Missing segments, type
// mismatches, and out-of-range indices return ok=false, never an error.
func getAtParts(data map[string]interface{}, parts []pathPart) (interface{}, bool) {
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[p.name]
		if !ok {
			return nil, false
		}
		if p.isArray {
			arr, ok := v.([]interface{})
			if !ok || p.index >= len(arr) {
				return nil, false
			}
			v = arr[p.index]
		}
		cur = v
	}
	return cur, true
}

// setAtParts writes a value at a parsed path, creating intermediate maps
// and growing arrays as needed. Existing non-map intermediates are replaced.
func setAtParts(data map[string]interface{}, parts []pathPart, value interface{}) {
	cur := data
	for i, p := range parts {
		last := i == len(parts)-1

		if p.isArray {
			arr, _ := cur[p.name].([]interface{})
			for len(arr) <= p.index {
				arr = append(arr, nil)
			}
			cur[p.name] = arr
			if last {
				arr[p.index] = value
				return
			}
			m, ok := arr[p.index].(map[string]interface{})
			if !ok {
				m = make(map[string]interface{})
				arr[p.index] = m
			}
			cur = m
			continue
		}

		if last {
			cur[p.name] = value
			return
		}

		m, ok := cur[p.name].(map[string]interface{})
		if !ok {
			m = make(map[string]interface{})
			cur[p.name] = m
		}
		cur = m
	}
}

// deleteAtParts removes the value at a parsed path. Array slots are nulled
// rather than spliced so sibling indices stay stable.
func deleteAtParts(data map[string]interface{}, parts []pathPart) {
	cur := data
	for i, p := range parts {
		last := i == len(parts)-1
		if last {
			if p.isArray {
				if arr, ok := cur[p.name].([]interface{}); ok && p.index < len(arr) {
					arr[p.index] = nil
				}
				return
			}
			delete(cur, p.name)
			return
		}

		v, ok := cur[p.name]
		if !ok {
			return
		}
		if p.isArray {
			arr, ok := v.([]interface{})
			if !ok || p.index >= len(arr) {
				return
			}
			m, ok := arr[p.index].(map[string]interface{})
			if !ok {
				return
			}
			cur = m
			continue
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return
		}
		cur = m
	}
}

// GetField reads the value at a dot path from a row.
func GetField(row Row, path string) (interface{}, bool) {
	parts, err := parsePath(path)
	if err != nil {
		return nil, false
	}
	return getAtParts(row, parts)
}

// SetField writes a value at a dot path, creating intermediate structure.
func SetField(row Row, path string, value interface{}) error {
	parts, err := parsePath(path)
	if err != nil {
		return err
	}
	setAtParts(row, parts, value)
	return nil
}

// DeleteField removes the value at a dot path.
func DeleteField(row Row, path string) error {
	parts, err := parsePath(path)
	if err != nil {
		return err
	}
	deleteAtParts(row, parts)
	return nil
}

// deepCopyRow creates a deep copy of a row
func deepCopyRow(src Row) Row {
	if src == nil {
		return nil
	}
	dst := make(Row, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyRow(val)
	case []interface{}:
		return deepCopySlice(val)
	default:
		return v
	}
}

func deepCopySlice(src []interface{}) []interface{} {
	if src == nil {
		return nil
	}
	dst := make([]interface{}, len(src))
	for i, v := range src {
		dst[i] = deepCopyValue(v)
	}
	return dst
}
