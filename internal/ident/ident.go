// Package ident resolves the identifiers a work order can arrive with into
// the single canonical key used by the cache, the validator and the remote
// collaborators.
//
// Three shapes are seen in practice:
//   - an opaque token ("uid"), preferred whenever present
//   - a legacy numeric key ("id"), coerced to its decimal string; zero and
//     negative keys mean "absent", in a map as in a Ref
//   - a human-readable reference ("code"), used only as a last resort
//
// Resolution is pure. A failed resolution must stop the caller; guessing a
// key from partial data is never acceptable.
package ident

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Field names consulted on structured input, in priority order.
const (
	FieldToken  = "uid"
	FieldLegacy = "id"
	FieldCode   = "code"

	// FieldCanonical is stamped by Normalize.
	FieldCanonical = "canonical_id"
)

// Ref is the structured form of an entity reference.
type Ref struct {
	UID      string
	LegacyID int64
	Code     string
}

// Referencer is implemented by domain types that know their own reference.
type Referencer interface {
	Ref() Ref
}

// Resolve returns the canonical identifier for v.
//
// Scalars are treated as already canonical. Structured input (Ref,
// Referencer, map[string]any) is resolved by field priority.
func Resolve(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return scalarString(val)
	case json.Number:
		return scalarString(val.String())
	case int:
		return strconv.FormatInt(int64(val), 10), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case uint:
		return strconv.FormatUint(uint64(val), 10), true
	case uint32:
		return strconv.FormatUint(uint64(val), 10), true
	case uint64:
		return strconv.FormatUint(val, 10), true
	case float64:
		return integralFloat(val)
	case Ref:
		return val.resolve()
	case *Ref:
		if val == nil {
			return "", false
		}
		return val.resolve()
	case Referencer:
		return val.Ref().resolve()
	case map[string]any:
		return resolveMap(val)
	default:
		return "", false
	}
}

// Normalize returns a shallow copy of m with the canonical identifier stamped
// under FieldCanonical. The input map is never modified.
func Normalize(m map[string]any) (map[string]any, bool) {
	id, ok := resolveMap(m)
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[FieldCanonical] = id
	return out, true
}

func (r Ref) resolve() (string, bool) {
	if id, ok := scalarString(r.UID); ok {
		return id, true
	}
	if r.LegacyID > 0 {
		return strconv.FormatInt(r.LegacyID, 10), true
	}
	return scalarString(r.Code)
}

func resolveMap(m map[string]any) (string, bool) {
	if m == nil {
		return "", false
	}
	// A previously normalized map carries its answer.
	if id, ok := m[FieldCanonical].(string); ok {
		if id, ok := scalarString(id); ok {
			return id, true
		}
	}
	if raw, ok := m[FieldToken]; ok {
		if s, ok := raw.(string); ok {
			if id, ok := scalarString(s); ok {
				return id, true
			}
		}
	}
	if raw, ok := m[FieldLegacy]; ok {
		if id, ok := legacyNumeric(raw); ok {
			return id, true
		}
	}
	if raw, ok := m[FieldCode]; ok {
		if s, ok := raw.(string); ok {
			return scalarString(s)
		}
	}
	return "", false
}

// legacyNumeric accepts the numeric key in any of the forms a JSON decoder or
// a hand-built map may produce.
func legacyNumeric(v any) (string, bool) {
	var id string
	var ok bool
	switch val := v.(type) {
	case string:
		id, ok = scalarString(val)
	case json.Number:
		id, ok = scalarString(val.String())
	case float64:
		id, ok = integralFloat(val)
	case int, int32, int64, uint, uint32, uint64:
		id, ok = Resolve(val)
	}
	if !ok || !positiveKey(id) {
		return "", false
	}
	return id, true
}

// positiveKey rejects integer keys below one. Non-integer strings pass.
func positiveKey(s string) bool {
	n, err := strconv.ParseInt(s, 10, 64)
	return err != nil || n > 0
}

func integralFloat(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', 0, 64), true
}

func scalarString(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}
