package expr

// Expr converts a Go value into a term. Terms are returned unchanged; maps
// and slices containing terms become object and array terms; anything else
// becomes a datum.
func Expr(v any) Term {
	switch x := v.(type) {
	case Term:
		return x
	case map[string]Term:
		return Object(x)
	case map[string]any:
		if !containsTerm(x) {
			return Datum(x)
		}
		fields := make(map[string]Term, len(x))
		for k, v := range x {
			fields[k] = Expr(v)
		}
		return Object(fields)
	case []any:
		if !containsTerm(x) {
			return Datum(x)
		}
		items := make([]Term, len(x))
		for i, v := range x {
			items[i] = Expr(v)
		}
		return Array(items...)
	case []Term:
		return Array(x...)
	}
	return Datum(v)
}

func containsTerm(v any) bool {
	switch x := v.(type) {
	case Term, map[string]Term, []Term:
		return true
	case map[string]any:
		for _, v := range x {
			if containsTerm(v) {
				return true
			}
		}
	case []any:
		for _, v := range x {
			if containsTerm(v) {
				return true
			}
		}
	}
	return false
}

// Datum is a literal value.
func Datum(v any) Term {
	return Term{op: OpDatum, datum: v}
}

// Object builds an object whose field values are terms.
func Object(fields map[string]Term) Term {
	cp := make(map[string]Term, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Term{op: OpObject, fields: cp}
}

// Array builds an array of terms.
func Array(items ...Term) Term {
	return Term{op: OpArray, args: append([]Term(nil), items...)}
}

// Args splices the elements of a sequence into the keys of GetAll.
func Args(seq any) Term {
	return Term{op: OpArgs, args: []Term{Expr(seq)}}
}

// TableList lists the names of all tables.
func TableList() Term {
	return Term{op: OpTableList}
}

// TableCreate creates a table. OptPrimaryKey names its primary key field.
func TableCreate(name string, opts Options) Term {
	return Term{op: OpTableCreate, name: name, opts: opts}
}

// Table refers to a table. As a sequence it yields every record.
func Table(name string) Term {
	return Term{op: OpTable, name: name}
}

// Branch evaluates then when cond is truthy, otherwise els. Only the chosen
// branch is evaluated. Null and false are falsy.
func Branch(cond, then, els any) Term {
	return Term{op: OpBranch, args: []Term{Expr(cond), Expr(then), Expr(els)}}
}

// Do evaluates steps in order and yields the value of the last one. An error
// raised by any step aborts the remaining steps.
func Do(steps ...any) Term {
	args := make([]Term, len(steps))
	for i, s := range steps {
		args[i] = Expr(s)
	}
	return Term{op: OpDo, args: args}
}

// Error raises err when evaluated.
func Error(err error) Term {
	return Term{op: OpError, err: err}
}

// Now is the server time at execution. All Now terms of one run yield the
// same instant.
func Now() Term {
	return Term{op: OpNow}
}

func (t Term) chain(op Op, args ...Term) Term {
	return Term{op: op, args: append([]Term{t}, args...)}
}

// IndexList lists the secondary indexes of a table term.
func (t Term) IndexList() Term {
	return t.chain(OpIndexList)
}

// IndexCreate creates a secondary index on a table term.
func (t Term) IndexCreate(name string, opts Options) Term {
	n := t.chain(OpIndexCreate)
	n.name = name
	n.opts = opts
	return n
}

// IndexWait blocks until the named indexes, or all indexes when none are
// named, are ready to be queried.
func (t Term) IndexWait(names ...string) Term {
	args := make([]Term, len(names))
	for i, n := range names {
		args[i] = Datum(n)
	}
	return t.chain(OpIndexWait, args...)
}

// Get selects a single record by primary key. It yields null when absent.
func (t Term) Get(key any) Term {
	return t.chain(OpGet, Expr(key))
}

// GetAll selects the records whose index value equals one of keys. The index
// is OptIndex, or the primary key when unset. The remaining options shape the
// result (OptFilter, OptOrderBy, OptSkip, OptLimit, OptPluck).
func (t Term) GetAll(keys []any, opts Options) Term {
	args := make([]Term, len(keys))
	for i, k := range keys {
		args[i] = Expr(k)
	}
	n := t.chain(OpGetAll, args...)
	n.opts = opts
	return n
}

// Insert inserts doc into a table term.
func (t Term) Insert(doc any, opts Options) Term {
	n := t.chain(OpInsert, Expr(doc))
	n.opts = opts
	return n
}

// Update merges patch into every record of a selection.
func (t Term) Update(patch any) Term {
	return t.chain(OpUpdate, Expr(patch))
}

// Delete removes every record of a selection.
func (t Term) Delete() Term {
	return t.chain(OpDelete)
}

func (t Term) Eq(v any) Term { return t.chain(OpEq, Expr(v)) }
func (t Term) Ne(v any) Term { return t.chain(OpNe, Expr(v)) }
func (t Term) Gt(v any) Term { return t.chain(OpGt, Expr(v)) }
func (t Term) Not() Term     { return t.chain(OpNot) }

// Contains reports whether a sequence contains v.
func (t Term) Contains(v any) Term {
	return t.chain(OpContains, Expr(v))
}

func (t Term) Count() Term   { return t.chain(OpCount) }
func (t Term) IsEmpty() Term { return t.chain(OpIsEmpty) }

// Field reads a field of an object. Missing fields and null objects yield
// null.
func (t Term) Field(name string) Term {
	n := t.chain(OpField)
	n.name = name
	return n
}

// Merge merges the object returned by fn into the receiver. On a sequence it
// merges every element. Null rows are passed through and fn is not evaluated
// for them.
func (t Term) Merge(fn func(row Term) Term) Term {
	n := t.chain(OpMerge)
	n.fn = newFunc(fn)
	return n
}

// Map transforms every element of a sequence.
func (t Term) Map(fn func(row Term) Term) Term {
	n := t.chain(OpMap)
	n.fn = newFunc(fn)
	return n
}

// Filter keeps the elements of a sequence for which fn is truthy.
func (t Term) Filter(fn func(row Term) Term) Term {
	n := t.chain(OpFilter)
	n.fn = newFunc(fn)
	return n
}

// Nth yields the i-th element of a sequence; out of range is an error that
// Default can catch.
func (t Term) Nth(i int) Term {
	return t.chain(OpNth, Datum(i))
}

// Default yields v when the receiver is null or fails with a missing-value
// error.
func (t Term) Default(v any) Term {
	return t.chain(OpDefault, Expr(v))
}
