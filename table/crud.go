package table

import (
	"reflect"
	"time"

	"github.com/cube3power/nothinkdb/expr"
	"github.com/cube3power/nothinkdb/schema"
)

// Timestamp fields stamped with the server time on writes when the schema
// declares them.
const (
	CreatedAtField = "createdAt"
	UpdatedAtField = "updatedAt"
)

type InsertOption func(expr.Options)

// WithConflict sets what happens when a record with the same primary key
// exists: expr.ConflictError (default), expr.ConflictReplace or
// expr.ConflictUpdate.
func WithConflict(policy string) InsertOption {
	return func(o expr.Options) { o[expr.OptConflict] = policy }
}

// Insert composes a validated insert of data, guarded by AssertIntegrate.
func (t *Table) Insert(data schema.Record, opts ...InsertOption) (expr.Term, error) {
	rec, err := t.stamped(data, CreatedAtField, false)
	if err != nil {
		return expr.Term{}, err
	}
	options := expr.Options{}
	for _, o := range opts {
		o(options)
	}
	insert := t.Query().Insert(expr.Expr(rec.term), options)
	return expr.Do(t.AssertIntegrate(rec.plain), insert), nil
}

// Update composes a validated partial update of the records with the given
// primary key, or keys when pk is a slice, guarded by AssertIntegrate.
func (t *Table) Update(pk any, data schema.Record) (expr.Term, error) {
	rec, err := t.stamped(data, UpdatedAtField, true)
	if err != nil {
		return expr.Term{}, err
	}
	keys, many := primaryKeys(pk)
	update := t.selectKeys(pk, keys, many).Update(expr.Expr(rec.term))
	checks := []any{t.AssertIntegrate(rec.plain, keys...)}
	if many {
		checks = append(checks, t.assertSingleHolder(rec.plain, distinctKeys(keys)))
	}
	return expr.Do(append(checks, update)...), nil
}

// assertSingleHolder raises a *UniquenessViolationError when data sets a
// unique field to a non-null value and more than one of keys exists, since
// every updated record would then hold the value.
func (t *Table) assertSingleHolder(data schema.Record, keys []any) expr.Term {
	for _, field := range t.Schema().Unique() {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		return expr.Branch(
			t.Query().GetAll(keys, nil).Count().Gt(1),
			expr.Error(&UniquenessViolationError{Table: t.name, Field: field, Value: v}),
			nil,
		)
	}
	return expr.Datum(nil)
}

func distinctKeys(keys []any) []any {
	seen := make(map[string]bool, len(keys))
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		if s := keyPart(k); !seen[s] {
			seen[s] = true
			out = append(out, k)
		}
	}
	return out
}

// Delete composes the deletion of the records with the given primary key,
// or keys when pk is a slice.
func (t *Table) Delete(pk any) expr.Term {
	keys, many := primaryKeys(pk)
	return t.selectKeys(pk, keys, many).Delete()
}

// Get composes a lookup by primary key. It yields null when absent.
func (t *Table) Get(pk any) expr.Term {
	return t.Query().Get(pk)
}

func (t *Table) selectKeys(pk any, keys []any, many bool) expr.Term {
	if many {
		return t.Query().GetAll(keys, nil)
	}
	return t.Get(pk)
}

// primaryKeys returns the keys of pk, which is a single key or a slice of
// keys. Byte slices are single keys.
func primaryKeys(pk any) ([]any, bool) {
	if pk == nil {
		return nil, false
	}
	if keys, ok := pk.([]any); ok {
		return keys, true
	}
	v := reflect.ValueOf(pk)
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		keys := make([]any, v.Len())
		for i := range keys {
			keys[i] = v.Index(i).Interface()
		}
		return keys, true
	}
	return []any{pk}, false
}

type stampedRecord struct {
	plain schema.Record // validated record
	term  map[string]any
}

// stamped validates data and, when the schema declares field, sets it to
// the server time. Validation sees a local timestamp in its place.
func (t *Table) stamped(data schema.Record, field string, partial bool) (stampedRecord, error) {
	stamp := t.HasField(field)
	in := data
	if stamp {
		in = make(schema.Record, len(data)+1)
		for k, v := range data {
			in[k] = v
		}
		in[field] = time.Now().UTC()
	}
	var rec schema.Record
	var err error
	if partial {
		rec, err = t.Schema().ValidatePartial(in)
	} else {
		rec, err = t.Attempt(in)
	}
	if err != nil {
		return stampedRecord{}, err
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	if stamp {
		out[field] = expr.Now()
	}
	return stampedRecord{plain: rec, term: out}, nil
}

// AssertIntegrate composes the uniqueness checks of a write of data. For
// each unique field set to a non-null value in data, it raises a
// *UniquenessViolationError when a record other than data's own (or one of
// excludePKs) holds the value. With nothing to check it is a no-op.
func (t *Table) AssertIntegrate(data schema.Record, excludePKs ...any) expr.Term {
	excluded := make([]any, 0, len(excludePKs)+1)
	excluded = append(excluded, excludePKs...)
	if own, ok := data[t.pk]; ok && own != nil {
		excluded = append(excluded, own)
	}

	var checks []any
	for _, field := range t.Schema().Unique() {
		v, ok := data[field]
		if !ok || v == nil {
			continue
		}
		taken := t.Query().
			GetAll([]any{v}, expr.Options{expr.OptIndex: field}).
			Filter(func(row expr.Term) expr.Term {
				return expr.Datum(excluded).Contains(row.Field(t.pk)).Not()
			}).
			Count().
			Gt(0)
		checks = append(checks, expr.Branch(
			taken,
			expr.Error(&UniquenessViolationError{Table: t.name, Field: field, Value: v}),
			nil,
		))
	}
	if len(checks) == 0 {
		return expr.Datum(nil)
	}
	return expr.Do(checks...)
}
