// Package diff computes minimal field-level changes between two versions of
// a record for the audit log.
package diff

import (
	"bytes"
	"encoding"
	"encoding/json"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"time"
)

var ignored = map[string]struct{}{
	"id":         {},
	"createdAt":  {},
	"updatedAt":  {},
	"deletedAt":  {},
	"tenantId":   {},
	"companyId":  {},
	"_count":     {},
	"created_at": {},
	"updated_at": {},
	"deleted_at": {},
	"tenant_id":  {},
	"company_id": {},
}

// Ignored reports whether key is bookkeeping that never shows up in a diff.
func Ignored(key string) bool {
	_, ok := ignored[key]
	return ok
}

// FieldSet declares which fields of an entity take part in diffs.
// A zero FieldSet lets every non-ignored key of the new record through.
type FieldSet struct {
	// Fields limits the candidates to these scalar fields when non-empty.
	Fields []string
	// Relations are never diffed and are dropped by StripRelations.
	Relations []string
	// Numeric fields compare decimal strings by value.
	Numeric []string
}

func (fs FieldSet) allows(key string) bool {
	if Ignored(key) || contains(fs.Relations, key) {
		return false
	}
	return len(fs.Fields) == 0 || contains(fs.Fields, key)
}

func (fs FieldSet) numeric(key string) bool {
	return contains(fs.Numeric, key)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type Result struct {
	Changed []string       `json:"changedFields"`
	Old     map[string]any `json:"oldValues"`
	New     map[string]any `json:"newValues"`
}

func (r Result) Empty() bool {
	return len(r.Changed) == 0
}

// Compute compares the keys present in next against prev. Values are
// normalized before comparison so that e.g. an int and a float64 of the same
// magnitude, or a time and its RFC 3339 rendering, are equal.
func Compute(prev, next map[string]any, fields FieldSet) Result {
	res := Result{Old: map[string]any{}, New: map[string]any{}}
	for key, nv := range next {
		if !fields.allows(key) {
			continue
		}
		isNum := fields.numeric(key)
		n, ok := normalize(nv, isNum)
		if !ok {
			continue
		}
		o, ok := normalize(prev[key], isNum)
		if !ok {
			continue
		}
		if equal(o, n) {
			continue
		}
		res.Changed = append(res.Changed, key)
		res.Old[key] = o
		res.New[key] = n
	}
	sort.Strings(res.Changed)
	return res
}

func equal(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}

// normalize maps v to a comparable form. ok is false for relation objects,
// which are excluded from diffs.
func normalize(v any, numeric bool) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case *time.Time:
		if t == nil {
			return nil, true
		}
		return t.UTC().Format(time.RFC3339Nano), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f, true
		}
		return t.String(), true
	case *big.Int:
		if t == nil {
			return nil, true
		}
		f, _ := new(big.Float).SetInt(t).Float64()
		return f, true
	case *big.Float:
		if t == nil {
			return nil, true
		}
		f, _ := t.Float64()
		return f, true
	case *big.Rat:
		if t == nil {
			return nil, true
		}
		f, _ := t.Float64()
		return f, true
	case string:
		if numeric {
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, true
			}
		}
		return t, true
	case []byte:
		return normalize(string(t), numeric)
	case map[string]any:
		if _, isRelation := t["id"]; isRelation {
			return nil, false
		}
		return serialize(t), true
	case encoding.TextMarshaler:
		if rv := reflect.ValueOf(t); rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil, true
		}
		b, err := t.MarshalText()
		if err != nil {
			return serialize(t), true
		}
		return string(b), true
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, true
		}
		return normalize(rv.Elem().Interface(), numeric)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.String:
		return normalize(rv.String(), numeric)
	case reflect.Slice, reflect.Array:
		return serialize(v), true
	case reflect.Map:
		if kt := rv.Type().Key(); kt.Kind() == reflect.String {
			if rv.MapIndex(reflect.ValueOf("id").Convert(kt)).IsValid() {
				return nil, false
			}
		}
		return serialize(v), true
	}
	return v, true
}

func serialize(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// StripRelations returns a copy of record without declared relations,
// nested objects, lists of objects and the _count aggregate.
func StripRelations(record map[string]any, fields FieldSet) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		if k == "_count" || contains(fields.Relations, k) || isObject(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isObject(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Struct:
		_, isTime := v.(time.Time)
		return !isTime
	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			e := rv.Index(i)
			if e.Kind() == reflect.Interface {
				e = e.Elem()
			}
			if e.Kind() == reflect.Map || e.Kind() == reflect.Struct {
				return true
			}
		}
	}
	return false
}
