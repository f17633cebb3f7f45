package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// validFieldName reports whether a field name is safe to interpolate into a
// JSON-path expression. Field names come from internal callers, never from
// user input, but the SQL backends still refuse anything unexpected.
func validFieldName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// fieldValue extracts a top-level field from a decoded document.
func fieldValue(doc map[string]any, field string) (any, bool) {
	v, ok := doc[field]
	return v, ok
}

// matchFilter evaluates one filter against a decoded document. Documents
// missing the field never match.
func matchFilter(doc map[string]any, f Filter) bool {
	v, ok := fieldValue(doc, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return compareValues(v, f.Value) == 0
	case OpLess:
		return compareValues(v, f.Value) < 0
	case OpArrayContains:
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range arr {
			if compareValues(item, f.Value) == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// matchAll evaluates every filter against a decoded document.
func matchAll(doc map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

// compareValues orders two JSON-decoded values. Numbers compare numerically,
// strings lexicographically, booleans false<true. Mismatched types compare
// unequal (returning a stable non-zero value).
func compareValues(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
		return 1
	}
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case bool:
		if bv, ok := b.(bool); ok {
			if av == bv {
				return 0
			}
			if !av {
				return -1
			}
			return 1
		}
	case nil:
		if b == nil {
			return 0
		}
	}
	return 1
}

// toFloat normalizes any numeric value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// sortDocs orders decoded documents in place by a field.
func sortDocs(docs []map[string]any, orderBy string, descending bool) {
	if orderBy == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		vi := docs[i][orderBy]
		vj := docs[j][orderBy]
		if descending {
			return compareValues(vj, vi) < 0
		}
		return compareValues(vi, vj) < 0
	})
}

// paginate applies offset and limit to a decoded document slice.
func paginate(docs []map[string]any, opts QueryOptions) []map[string]any {
	if opts.Offset > 0 {
		if opts.Offset >= len(docs) {
			return nil
		}
		docs = docs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(docs) {
		docs = docs[:opts.Limit]
	}
	return docs
}

// decodeDocs marshals decoded documents back into the caller's typed slice.
func decodeDocs(docs []map[string]any, out any) error {
	raw, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("failed to marshal query results: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode query results: %w", err)
	}
	return nil
}

// sqlScalar converts a filter value into a driver argument. Numbers and
// booleans are passed natively so JSON extraction functions compare them with
// the right type affinity; everything else compares as JSON text.
func sqlScalar(v any) (any, error) {
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return jsonScalar(v)
}

// pgPredicate builds a Postgres comparison over a JSONB field. Numeric values
// compare through a ::numeric cast because ->> yields text.
func pgPredicate(field, op string, v any, placeholder int) (string, any, error) {
	if f, ok := toFloat(v); ok {
		return fmt.Sprintf("(doc->>'%s')::numeric %s $%d", field, op, placeholder), f, nil
	}
	if b, ok := v.(bool); ok {
		return fmt.Sprintf("(doc->>'%s')::boolean %s $%d", field, op, placeholder), b, nil
	}
	s, err := jsonScalar(v)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("doc->>'%s' %s $%d", field, op, placeholder), s, nil
}

// jsonScalar renders a filter value in its JSON text form without quotes,
// matching the text produced by the SQL backends' JSON extraction operators.
func jsonScalar(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal filter value: %w", err)
	}
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s, nil
}
