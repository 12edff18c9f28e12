package schema

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Schema maps field names to validators.
type Schema map[string]*Field

// Has reports whether the schema declares name.
func (s Schema) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the declared field names in sorted order.
func (s Schema) Names() []string {
	names := maps.Keys(s)
	slices.Sort(names)
	return names
}

// Indexed returns the names of fields flagged with MetaIndex, sorted.
func (s Schema) Indexed() []string {
	return s.withMeta(MetaIndex)
}

// Unique returns the names of fields flagged with MetaUnique, sorted.
func (s Schema) Unique() []string {
	return s.withMeta(MetaUnique)
}

func (s Schema) withMeta(flag string) []string {
	var names []string
	for _, name := range s.Names() {
		if s[name].HasMeta(flag) {
			names = append(names, name)
		}
	}
	return names
}

// Attempt validates rec and returns a coerced copy with defaults applied.
// rec is never modified. Fields not declared by the schema are rejected.
func (s Schema) Attempt(rec Record) (Record, error) {
	return s.apply(rec, false)
}

// Validate reports whether rec conforms to the schema.
func (s Schema) Validate(rec Record) error {
	_, err := s.apply(rec, false)
	return err
}

// ValidatePartial validates only the fields present in rec, as for a patch.
// Required fields and defaults are not enforced.
func (s Schema) ValidatePartial(rec Record) (Record, error) {
	return s.apply(rec, true)
}

func (s Schema) apply(rec Record, partial bool) (Record, error) {
	out := make(Record, len(rec))
	var errs []FieldError

	for _, name := range s.Names() {
		v, present := rec[name]
		if partial && !present {
			continue
		}
		got, keep, reason := s[name].check(v, present)
		if reason != "" {
			errs = append(errs, FieldError{Field: name, Reason: reason})
			continue
		}
		if keep {
			out[name] = got
		}
	}

	extra := maps.Keys(rec)
	slices.Sort(extra)
	for _, name := range extra {
		if !s.Has(name) {
			errs = append(errs, FieldError{Field: name, Reason: "is not allowed"})
		}
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return out, nil
}

// FieldError describes why a single field failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%q %s", e.Field, e.Reason)
}

// ValidationError is returned when a record does not conform to a schema.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields returns the names of the offending fields.
func (e *ValidationError) Fields() []string {
	names := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		names[i] = fe.Field
	}
	return names
}

// Reason returns the failure reason for field, if it failed.
func (e *ValidationError) Reason(field string) (string, bool) {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return fe.Reason, true
		}
	}
	return "", false
}
