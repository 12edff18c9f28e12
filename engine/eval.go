package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cube3power/nothinkdb/expr"
	"github.com/google/uuid"
)

// tableRef is the value of a table term.
type tableRef struct {
	name string
	pk   string
}

// single is a record selected by primary key. doc is nil when absent.
type single struct {
	table tableRef
	doc   map[string]any
}

// selection is a list of records selected from one table.
type selection struct {
	table tableRef
	docs  []map[string]any
}

type evaluator struct {
	ctx context.Context
	tx  Tx
	now time.Time
	env map[expr.VarID]any
}

// value evaluates t and resolves selections and tables to plain values.
func (e *evaluator) value(t expr.Term) (any, error) {
	v, err := e.eval(t)
	if err != nil {
		return nil, err
	}
	return e.resolve(v)
}

func (e *evaluator) resolve(v any) (any, error) {
	switch x := v.(type) {
	case single:
		if x.doc == nil {
			return nil, nil
		}
		return x.doc, nil
	case selection:
		return docsToSeq(x.docs), nil
	case tableRef:
		docs, err := e.tx.Scan(x.name)
		if err != nil {
			return nil, &DatabaseError{Op: expr.OpTable, Err: err}
		}
		return docsToSeq(docs), nil
	}
	return v, nil
}

func docsToSeq(docs []map[string]any) []any {
	seq := make([]any, len(docs))
	for i, d := range docs {
		if d != nil {
			seq[i] = d
		}
	}
	return seq
}

func (e *evaluator) eval(t expr.Term) (any, error) {
	if err := e.ctx.Err(); err != nil {
		return nil, err
	}
	v, err := e.evalOp(t)
	if err != nil {
		return nil, wrap(t.Op(), err)
	}
	return v, nil
}

func (e *evaluator) evalOp(t expr.Term) (any, error) {
	args := t.Args()
	switch t.Op() {
	case expr.OpDatum:
		return t.Value(), nil
	case expr.OpObject:
		out := make(map[string]any, len(t.Fields()))
		for k, f := range t.Fields() {
			v, err := e.value(f)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case expr.OpArray:
		out := make([]any, len(args))
		for i, a := range args {
			v, err := e.value(a)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case expr.OpArgs:
		return nil, fmt.Errorf("args can only be used as keys of get_all")
	case expr.OpVar:
		id, _ := t.Value().(expr.VarID)
		v, ok := e.env[id]
		if !ok {
			return nil, fmt.Errorf("unbound variable %d", id)
		}
		return v, nil

	case expr.OpTableList:
		names, err := e.tx.Tables()
		if err != nil {
			return nil, err
		}
		sort.Strings(names)
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return out, nil
	case expr.OpTableCreate:
		pk := "id"
		if v, ok := t.Opt(expr.OptPrimaryKey); ok {
			s, isStr := v.(string)
			if !isStr || s == "" {
				return nil, fmt.Errorf("option %q must be a non-empty string", expr.OptPrimaryKey)
			}
			pk = s
		}
		var kind KeyKind
		if v, ok := t.Opt(expr.OptKind); ok {
			k, err := keyKind(v)
			if err != nil {
				return nil, err
			}
			kind = k
		}
		if err := e.tx.CreateTable(t.Name(), pk, kind); err != nil {
			return nil, err
		}
		return map[string]any{"tables_created": 1}, nil
	case expr.OpTable:
		pk, err := e.tx.PrimaryKey(t.Name())
		if err != nil {
			return nil, err
		}
		return tableRef{name: t.Name(), pk: pk}, nil

	case expr.OpIndexList:
		tbl, err := e.table(args[0])
		if err != nil {
			return nil, err
		}
		specs, err := e.tx.Indexes(tbl.name)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(specs))
		for i, s := range specs {
			names[i] = s.Name
		}
		sort.Strings(names)
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return out, nil
	case expr.OpIndexCreate:
		tbl, err := e.table(args[0])
		if err != nil {
			return nil, err
		}
		spec, err := indexSpec(t)
		if err != nil {
			return nil, err
		}
		if err := e.tx.CreateIndex(tbl.name, spec); err != nil {
			return nil, err
		}
		return map[string]any{"created": 1}, nil
	case expr.OpIndexWait:
		return e.indexWait(args)

	case expr.OpGet:
		tbl, err := e.table(args[0])
		if err != nil {
			return nil, err
		}
		key, err := e.value(args[1])
		if err != nil {
			return nil, err
		}
		doc, err := e.tx.Get(tbl.name, key)
		if err != nil {
			return nil, err
		}
		return single{table: tbl, doc: doc}, nil
	case expr.OpGetAll:
		return e.getAll(t)
	case expr.OpInsert:
		return e.insert(t)
	case expr.OpUpdate:
		return e.update(args)
	case expr.OpDelete:
		return e.delete(args)

	case expr.OpBranch:
		cond, err := e.value(args[0])
		if err != nil {
			return nil, err
		}
		if Truthy(cond) {
			return e.eval(args[1])
		}
		return e.eval(args[2])
	case expr.OpDo:
		var last any
		for _, a := range args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil
	case expr.OpEq, expr.OpNe, expr.OpGt:
		a, err := e.value(args[0])
		if err != nil {
			return nil, err
		}
		b, err := e.value(args[1])
		if err != nil {
			return nil, err
		}
		switch t.Op() {
		case expr.OpEq:
			return Equal(a, b), nil
		case expr.OpNe:
			return !Equal(a, b), nil
		}
		return Compare(a, b) > 0, nil
	case expr.OpNot:
		v, err := e.value(args[0])
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case expr.OpContains:
		seq, err := e.seq(args[0])
		if err != nil {
			return nil, err
		}
		needle, err := e.value(args[1])
		if err != nil {
			return nil, err
		}
		for _, v := range seq {
			if Equal(v, needle) {
				return true, nil
			}
		}
		return false, nil
	case expr.OpCount, expr.OpIsEmpty:
		seq, err := e.seq(args[0])
		if err != nil {
			return nil, err
		}
		if t.Op() == expr.OpCount {
			return len(seq), nil
		}
		return len(seq) == 0, nil
	case expr.OpField:
		v, err := e.value(args[0])
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		doc, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot read field %q of %s", t.Name(), typeName(v))
		}
		return doc[t.Name()], nil
	case expr.OpMerge:
		return e.merge(args[0], t.Func())
	case expr.OpMap, expr.OpFilter:
		seq, err := e.seq(args[0])
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(seq))
		for _, item := range seq {
			v, err := e.call(t.Func(), item)
			if err != nil {
				return nil, err
			}
			switch {
			case t.Op() == expr.OpMap:
				out = append(out, v)
			case Truthy(v):
				out = append(out, item)
			}
		}
		return out, nil
	case expr.OpNth:
		seq, err := e.seq(args[0])
		if err != nil {
			return nil, err
		}
		i, err := toInt(args[1].Value())
		if err != nil {
			return nil, err
		}
		if i < 0 {
			i += len(seq)
		}
		if i < 0 || i >= len(seq) {
			return nil, fmt.Errorf("index %d out of bounds: %w", i, errNoResult)
		}
		return seq[i], nil
	case expr.OpDefault:
		v, err := e.value(args[0])
		if err != nil && !errors.Is(err, errNoResult) {
			return nil, err
		}
		if err != nil || v == nil {
			return e.value(args[1])
		}
		return v, nil
	case expr.OpError:
		return nil, &raisedError{err: t.Err()}
	case expr.OpNow:
		return e.now, nil
	}
	return nil, fmt.Errorf("unsupported operation %q", t.Op())
}

func (e *evaluator) table(t expr.Term) (tableRef, error) {
	v, err := e.eval(t)
	if err != nil {
		return tableRef{}, err
	}
	tbl, ok := v.(tableRef)
	if !ok {
		return tableRef{}, fmt.Errorf("expected a table, got %s", typeName(v))
	}
	return tbl, nil
}

func (e *evaluator) seq(t expr.Term) ([]any, error) {
	v, err := e.value(t)
	if err != nil {
		return nil, err
	}
	seq, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a sequence, got %s", typeName(v))
	}
	return seq, nil
}

func (e *evaluator) call(fn *expr.Func, arg any) (any, error) {
	if fn == nil {
		return nil, fmt.Errorf("missing function")
	}
	prev, bound := e.env[fn.Param]
	e.env[fn.Param] = arg
	defer func() {
		if bound {
			e.env[fn.Param] = prev
		} else {
			delete(e.env, fn.Param)
		}
	}()
	return e.value(fn.Body)
}

func (e *evaluator) merge(target expr.Term, fn *expr.Func) (any, error) {
	v, err := e.value(target)
	if err != nil {
		return nil, err
	}
	mergeOne := func(item any) (any, error) {
		if item == nil {
			return nil, nil
		}
		doc, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot merge into %s", typeName(item))
		}
		patch, err := e.call(fn, doc)
		if err != nil {
			return nil, err
		}
		if patch == nil {
			return doc, nil
		}
		p, ok := patch.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot merge %s into an object", typeName(patch))
		}
		return mergeDoc(doc, p), nil
	}
	seq, isSeq := v.([]any)
	if !isSeq {
		return mergeOne(v)
	}
	out := make([]any, len(seq))
	for i, item := range seq {
		if out[i], err = mergeOne(item); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func indexSpec(t expr.Term) (IndexSpec, error) {
	spec := IndexSpec{Name: t.Name(), Field: t.Name()}
	if spec.Name == "" {
		return IndexSpec{}, fmt.Errorf("index name is required")
	}
	if v, ok := t.Opt(expr.OptField); ok {
		f, isStr := v.(string)
		if !isStr || f == "" {
			return IndexSpec{}, fmt.Errorf("option %q must be a non-empty string", expr.OptField)
		}
		spec.Field = f
	}
	if v, ok := t.Opt(expr.OptKind); ok {
		k, err := keyKind(v)
		if err != nil {
			return IndexSpec{}, err
		}
		spec.Kind = k
	}
	for k := range t.Options() {
		if k != expr.OptField && k != expr.OptKind {
			return IndexSpec{}, fmt.Errorf("unrecognized option %q", k)
		}
	}
	return spec, nil
}

func keyKind(v any) (KeyKind, error) {
	k, _ := v.(string)
	switch KeyKind(k) {
	case KeyKindS, KeyKindN, KeyKindB:
		return KeyKind(k), nil
	}
	return "", fmt.Errorf("unknown key kind %v", v)
}

func (e *evaluator) indexWait(args []expr.Term) (any, error) {
	tbl, err := e.table(args[0])
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range args[1:] {
		v, err := e.value(a)
		if err != nil {
			return nil, err
		}
		n, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("index name must be a string, got %s", typeName(v))
		}
		names = append(names, n)
	}
	if len(names) == 0 {
		specs, err := e.tx.Indexes(tbl.name)
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			names = append(names, s.Name)
		}
		sort.Strings(names)
	}
	out := make([]any, 0, len(names))
	for _, n := range names {
		if err := e.tx.WaitIndex(tbl.name, n); err != nil {
			return nil, err
		}
		out = append(out, map[string]any{"index": n, "ready": true})
	}
	return out, nil
}

func (e *evaluator) getAll(t expr.Term) (any, error) {
	args := t.Args()
	tbl, err := e.table(args[0])
	if err != nil {
		return nil, err
	}
	index := tbl.pk
	if v, ok := t.Opt(expr.OptIndex); ok {
		s, isStr := v.(string)
		if !isStr || s == "" {
			return nil, fmt.Errorf("option %q must be a non-empty string", expr.OptIndex)
		}
		index = s
	}
	var keys []any
	for _, a := range args[1:] {
		if a.Op() == expr.OpArgs {
			seq, err := e.seq(a.Args()[0])
			if err != nil {
				return nil, err
			}
			keys = append(keys, seq...)
			continue
		}
		key, err := e.value(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	var docs []map[string]any
	for _, key := range keys {
		if key == nil {
			continue
		}
		if index == tbl.pk {
			doc, err := e.tx.Get(tbl.name, key)
			if err != nil {
				return nil, err
			}
			if doc != nil {
				docs = append(docs, doc)
			}
			continue
		}
		found, err := e.tx.GetAll(tbl.name, index, key)
		if err != nil {
			return nil, err
		}
		docs = append(docs, found...)
	}
	docs, err = shape(docs, t.Options())
	if err != nil {
		return nil, err
	}
	return selection{table: tbl, docs: docs}, nil
}

// shape applies the result options of GetAll in a fixed order: filter,
// orderBy, skip, limit, pluck.
func shape(docs []map[string]any, opts expr.Options) ([]map[string]any, error) {
	for k := range opts {
		switch k {
		case expr.OptIndex, expr.OptFilter, expr.OptOrderBy, expr.OptSkip, expr.OptLimit, expr.OptPluck:
		default:
			return nil, fmt.Errorf("unrecognized option %q", k)
		}
	}
	if v, ok := opts[expr.OptFilter]; ok {
		match, isMap := v.(map[string]any)
		if !isMap {
			return nil, fmt.Errorf("option %q must be an object", expr.OptFilter)
		}
		kept := docs[:0:0]
		for _, d := range docs {
			if matches(d, match) {
				kept = append(kept, d)
			}
		}
		docs = kept
	}
	if v, ok := opts[expr.OptOrderBy]; ok {
		fields, err := toStrings(v)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", expr.OptOrderBy, err)
		}
		sort.SliceStable(docs, func(i, j int) bool {
			for _, f := range fields {
				desc := strings.HasPrefix(f, "-")
				name := strings.TrimPrefix(f, "-")
				c := Compare(docs[i][name], docs[j][name])
				if c == 0 {
					continue
				}
				if desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if v, ok := opts[expr.OptSkip]; ok {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", expr.OptSkip, err)
		}
		if n >= len(docs) {
			docs = nil
		} else if n > 0 {
			docs = docs[n:]
		}
	}
	if v, ok := opts[expr.OptLimit]; ok {
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", expr.OptLimit, err)
		}
		if n >= 0 && n < len(docs) {
			docs = docs[:n]
		}
	}
	if v, ok := opts[expr.OptPluck]; ok {
		fields, err := toStrings(v)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", expr.OptPluck, err)
		}
		plucked := make([]map[string]any, len(docs))
		for i, d := range docs {
			p := make(map[string]any, len(fields))
			for _, f := range fields {
				if fv, ok := d[f]; ok {
					p[f] = fv
				}
			}
			plucked[i] = p
		}
		docs = plucked
	}
	return docs, nil
}

func matches(doc, match map[string]any) bool {
	for k, want := range match {
		if !Equal(doc[k], want) {
			return false
		}
	}
	return true
}

func (e *evaluator) insert(t expr.Term) (any, error) {
	args := t.Args()
	tbl, err := e.table(args[0])
	if err != nil {
		return nil, err
	}
	conflict := expr.ConflictError
	if v, ok := t.Opt(expr.OptConflict); ok {
		conflict, _ = v.(string)
	}
	switch conflict {
	case expr.ConflictError, expr.ConflictReplace, expr.ConflictUpdate:
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", conflict)
	}

	v, err := e.value(args[1])
	if err != nil {
		return nil, err
	}
	var docs []map[string]any
	switch x := v.(type) {
	case map[string]any:
		docs = []map[string]any{x}
	case []any:
		for _, item := range x {
			d, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot insert %s", typeName(item))
			}
			docs = append(docs, d)
		}
	default:
		return nil, fmt.Errorf("cannot insert %s", typeName(v))
	}

	inserted, replaced, unchanged := 0, 0, 0
	var generated []any
	for _, d := range docs {
		doc := copyDoc(d)
		key := doc[tbl.pk]
		if key == nil {
			key = uuid.NewString()
			doc[tbl.pk] = key
			generated = append(generated, key)
		}
		existing, err := e.tx.Get(tbl.name, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			switch conflict {
			case expr.ConflictError:
				return nil, fmt.Errorf("%w %v in table %q", ErrDuplicateKey, key, tbl.name)
			case expr.ConflictUpdate:
				doc = mergeDoc(existing, doc)
			}
			if Equal(existing, doc) {
				unchanged++
				continue
			}
			replaced++
		} else {
			inserted++
		}
		if err := e.tx.Put(tbl.name, doc); err != nil {
			return nil, err
		}
	}
	res := map[string]any{"inserted": inserted, "replaced": replaced, "unchanged": unchanged}
	if len(generated) > 0 {
		res["generated_keys"] = generated
	}
	return res, nil
}

// writeTargets returns the table and records a write applies to.
func (e *evaluator) writeTargets(t expr.Term) (tableRef, []map[string]any, error) {
	v, err := e.eval(t)
	if err != nil {
		return tableRef{}, nil, err
	}
	switch x := v.(type) {
	case single:
		if x.doc == nil {
			return x.table, nil, nil
		}
		return x.table, []map[string]any{x.doc}, nil
	case selection:
		return x.table, x.docs, nil
	case tableRef:
		docs, err := e.tx.Scan(x.name)
		return x, docs, err
	}
	return tableRef{}, nil, fmt.Errorf("expected a selection, got %s", typeName(v))
}

func (e *evaluator) update(args []expr.Term) (any, error) {
	tbl, docs, err := e.writeTargets(args[0])
	if err != nil {
		return nil, err
	}
	v, err := e.value(args[1])
	if err != nil {
		return nil, err
	}
	patch, ok := v.(map[string]any)
	if !ok && v != nil {
		return nil, fmt.Errorf("cannot update with %s", typeName(v))
	}
	replaced, unchanged, skipped := 0, 0, 0
	if len(docs) == 0 {
		skipped = 1
	}
	for _, doc := range docs {
		if pk, ok := patch[tbl.pk]; ok && !Equal(pk, doc[tbl.pk]) {
			return nil, fmt.Errorf("primary key %q cannot be changed", tbl.pk)
		}
		next := mergeDoc(doc, patch)
		if Equal(next, doc) {
			unchanged++
			continue
		}
		if err := e.tx.Put(tbl.name, next); err != nil {
			return nil, err
		}
		replaced++
	}
	return map[string]any{"replaced": replaced, "unchanged": unchanged, "skipped": skipped}, nil
}

func (e *evaluator) delete(args []expr.Term) (any, error) {
	tbl, docs, err := e.writeTargets(args[0])
	if err != nil {
		return nil, err
	}
	skipped := 0
	if len(docs) == 0 {
		skipped = 1
	}
	for _, doc := range docs {
		if err := e.tx.Delete(tbl.name, doc[tbl.pk]); err != nil {
			return nil, err
		}
	}
	return map[string]any{"deleted": len(docs), "skipped": skipped}, nil
}
