// Package schema validates and coerces records against declared field
// validators. Fields carry meta flags (index, unique) that drive index
// provisioning and write-time uniqueness checks in package table.
package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Record is a stored document.
type Record = map[string]any

// Kind is the value type a Field accepts.
type Kind string

const (
	KindAny     Kind = "any"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBool    Kind = "bool"
	KindTime    Kind = "time"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
)

// ParseKind parses a kind name as written in schema files.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindAny, KindString, KindNumber, KindInteger, KindBool, KindTime, KindObject, KindArray:
		return k, nil
	case "":
		return KindAny, nil
	case "int":
		return KindInteger, nil
	case "boolean":
		return KindBool, nil
	}
	return "", fmt.Errorf("unknown field kind %q", s)
}

// Meta flag names.
const (
	MetaIndex  = "index"
	MetaUnique = "unique"
)

// Field validates one attribute of a record. Fields are immutable: every
// modifier returns a modified copy, so a field can be shared between schemas.
type Field struct {
	kind       Kind
	required   bool
	nullable   bool
	hasDefault bool
	def        any
	allowed    []any
	rules      string
	meta       map[string]any
}

func newField(k Kind) *Field { return &Field{kind: k} }

func Any() *Field     { return newField(KindAny) }
func String() *Field  { return newField(KindString) }
func Number() *Field  { return newField(KindNumber) }
func Integer() *Field { return newField(KindInteger) }
func Bool() *Field    { return newField(KindBool) }
func Time() *Field    { return newField(KindTime) }
func Object() *Field  { return newField(KindObject) }
func Array() *Field   { return newField(KindArray) }

// Of returns an optional field of kind k.
func Of(k Kind) *Field { return newField(k) }

func (f *Field) clone() *Field {
	cp := *f
	cp.allowed = append([]any(nil), f.allowed...)
	if f.meta != nil {
		cp.meta = make(map[string]any, len(f.meta))
		for k, v := range f.meta {
			cp.meta[k] = v
		}
	}
	return &cp
}

// Required makes the field mandatory and non-nullable.
func (f *Field) Required() *Field {
	cp := f.clone()
	cp.required = true
	cp.nullable = false
	return cp
}

// Optional makes the field optional.
func (f *Field) Optional() *Field {
	cp := f.clone()
	cp.required = false
	return cp
}

// AllowNull accepts null as a value.
func (f *Field) AllowNull() *Field {
	cp := f.clone()
	cp.nullable = true
	return cp
}

// Default is used when the field is absent.
func (f *Field) Default(v any) *Field {
	cp := f.clone()
	cp.hasDefault = true
	cp.def = v
	return cp
}

// Valid restricts the field to the given values.
func (f *Field) Valid(values ...any) *Field {
	cp := f.clone()
	cp.allowed = append(cp.allowed, values...)
	return cp
}

// Meta sets a meta flag.
func (f *Field) Meta(name string, v any) *Field {
	cp := f.clone()
	if cp.meta == nil {
		cp.meta = make(map[string]any)
	}
	cp.meta[name] = v
	return cp
}

// Index flags the field for a secondary index.
func (f *Field) Index() *Field { return f.Meta(MetaIndex, true) }

// Unique flags the field for write-time uniqueness checks. Unique fields are
// indexed as well.
func (f *Field) Unique() *Field { return f.Meta(MetaUnique, true) }

func (f *Field) Kind() Kind       { return f.kind }
func (f *Field) IsRequired() bool { return f.required }
func (f *Field) IsNullable() bool { return f.nullable }
func (f *Field) IsIndexed() bool  { return f.HasMeta(MetaIndex) }
func (f *Field) IsUnique() bool   { return f.HasMeta(MetaUnique) }

// AllowedValues returns the values set with Valid.
func (f *Field) AllowedValues() []any {
	return append([]any(nil), f.allowed...)
}

// DefaultValue returns the default and whether one is set.
func (f *Field) DefaultValue() (any, bool) { return f.def, f.hasDefault }

// HasMeta reports whether the flag is set to a truthy value.
func (f *Field) HasMeta(name string) bool {
	v, ok := f.meta[name]
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	return !isBool || b
}

// check validates v. present is false when the key is missing from the
// record. keep reports whether the key should be present in the output.
func (f *Field) check(v any, present bool) (out any, keep bool, reason string) {
	if !present {
		switch {
		case f.hasDefault:
			return f.def, true, ""
		case f.required:
			return nil, false, "is required"
		}
		return nil, false, ""
	}
	if v == nil {
		if f.nullable {
			return nil, true, ""
		}
		return nil, false, "must not be null"
	}
	out, reason = coerce(f.kind, v)
	if reason != "" {
		return nil, false, reason
	}
	if len(f.allowed) > 0 && !containsValue(f.allowed, out) {
		return nil, false, fmt.Sprintf("must be one of %v", f.allowed)
	}
	if f.rules != "" {
		r, err := applyRules(out, f.rules)
		if err != nil {
			return nil, false, "has " + err.Error()
		}
		if r != "" {
			return nil, false, r
		}
	}
	return out, true, ""
}

func containsValue(values []any, v any) bool {
	for _, a := range values {
		if reflect.DeepEqual(a, v) || fmt.Sprint(a) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func coerce(k Kind, v any) (any, string) {
	switch k {
	case KindAny:
		return v, ""
	case KindString:
		if s, ok := v.(string); ok {
			return s, ""
		}
		return nil, "must be a string"
	case KindNumber:
		if isNumber(v) {
			return v, ""
		}
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return n, ""
			}
		}
		return nil, "must be a number"
	case KindInteger:
		switch n := v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return v, ""
		case float32:
			if float32(int64(n)) == n {
				return v, ""
			}
		case float64:
			if float64(int64(n)) == n {
				return v, ""
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, ""
			}
		}
		return nil, "must be an integer"
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, ""
		case string:
			if p, err := strconv.ParseBool(b); err == nil {
				return p, ""
			}
		}
		return nil, "must be a boolean"
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return t, ""
		case string:
			if p, err := time.Parse(time.RFC3339Nano, t); err == nil {
				return p, ""
			}
		}
		return nil, "must be a time"
	case KindObject:
		if _, ok := v.(map[string]any); ok {
			return v, ""
		}
		return nil, "must be an object"
	case KindArray:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if _, isBytes := v.([]byte); !isBytes {
				return v, ""
			}
		}
		return nil, "must be an array"
	}
	return nil, fmt.Sprintf("has unsupported kind %q", k)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
