package database

import (
	"encoding/json"
	"fmt"
	"sort"
)

// toObject converts any JSON-marshalable value into its generic JSON form so
// that numbers are float64 and structs become maps.
func toObject(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("document is not a JSON object: %w", err)
	}
	return obj, nil
}

func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizePredicates converts predicate values to their JSON form once so
// matching does not have to.
func normalizePredicates(where []Predicate) ([]Predicate, error) {
	out := make([]Predicate, len(where))
	for i, p := range where {
		v, err := toJSONValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("predicate %q: %w", p.Field, err)
		}
		switch p.Op {
		case OpEq, OpLt, OpGt, OpContains:
		default:
			return nil, fmt.Errorf("predicate %q: unsupported operator %q", p.Field, p.Op)
		}
		out[i] = Predicate{Field: p.Field, Op: p.Op, Value: v}
	}
	return out, nil
}

// compare orders two JSON scalars of the same type. ok is false when the
// values are not comparable.
func compare(a, b any) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case nil:
		return 0, b == nil
	}
	return 0, false
}

func matchPredicate(obj map[string]any, p Predicate) bool {
	field, ok := obj[p.Field]
	if !ok {
		// missing fields only equal an explicit null
		return p.Op == OpEq && p.Value == nil
	}

	switch p.Op {
	case OpEq:
		c, ok := compare(field, p.Value)
		return ok && c == 0
	case OpLt:
		c, ok := compare(field, p.Value)
		return ok && c < 0
	case OpGt:
		c, ok := compare(field, p.Value)
		return ok && c > 0
	case OpContains:
		items, ok := field.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if c, ok := compare(item, p.Value); ok && c == 0 {
				return true
			}
		}
	}
	return false
}

func matchAll(obj map[string]any, where []Predicate) bool {
	if obj == nil {
		return false
	}
	for _, p := range where {
		if !matchPredicate(obj, p) {
			return false
		}
	}
	return true
}

type storedDoc struct {
	seq int64
	obj map[string]any
}

// sortDocs orders by the given keys; ties fall back to insertion sequence in
// the direction of the first key.
func sortDocs(docs []storedDoc, order []Order) {
	desc := len(order) > 0 && order[0].Desc
	sort.SliceStable(docs, func(i, j int) bool {
		for _, o := range order {
			c, ok := compare(docs[i].obj[o.Field], docs[j].obj[o.Field])
			if !ok || c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		if desc {
			return docs[i].seq > docs[j].seq
		}
		return docs[i].seq < docs[j].seq
	})
}
