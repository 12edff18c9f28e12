// Package expr builds composed queries: immutable expression trees that
// describe a database operation without running it.
//
// Terms are built with package-level constructors and chained methods:
//
//	q := expr.Table("users").GetAll([]any{"a@b.c"}, expr.Options{expr.OptIndex: "email"}).Count()
//
// Nothing is executed until a term is handed to an executor (see package engine).
package expr

import (
	"sync/atomic"
)

// Op identifies the operation a Term performs.
type Op string

const (
	OpDatum  Op = "datum"
	OpObject Op = "object"
	OpArray  Op = "array"
	OpVar    Op = "var"
	OpArgs   Op = "args"

	OpTableList   Op = "table_list"
	OpTableCreate Op = "table_create"
	OpTable       Op = "table"
	OpIndexList   Op = "index_list"
	OpIndexCreate Op = "index_create"
	OpIndexWait   Op = "index_wait"

	OpGet    Op = "get"
	OpGetAll Op = "get_all"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"

	OpBranch   Op = "branch"
	OpDo       Op = "do"
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpNot      Op = "not"
	OpContains Op = "contains"
	OpCount    Op = "count"
	OpIsEmpty  Op = "is_empty"
	OpField    Op = "field"
	OpMerge    Op = "merge"
	OpMap      Op = "map"
	OpFilter   Op = "filter"
	OpNth      Op = "nth"
	OpDefault  Op = "default"
	OpError    Op = "error"
	OpNow      Op = "now"
)

// Options are optional arguments attached to a term. They are forwarded to
// the executor as-is.
type Options map[string]any

// Recognised option keys.
const (
	OptIndex      = "index"      // GetAll: index to look keys up in
	OptConflict   = "conflict"   // Insert: "error", "replace" or "update"
	OptPrimaryKey = "primaryKey" // TableCreate
	OptField      = "field"      // IndexCreate: indexed field, defaults to the index name
	OptKind       = "kind"       // IndexCreate, TableCreate: key kind hint, "S", "N" or "B"
	OptOrderBy    = "orderBy"    // GetAll: field name or []string, "-" prefix for descending
	OptSkip       = "skip"       // GetAll
	OptLimit      = "limit"      // GetAll
	OptFilter     = "filter"     // GetAll: map of field equalities
	OptPluck      = "pluck"      // GetAll: []string of fields to keep
)

// Conflict policies for Insert.
const (
	ConflictError   = "error"
	ConflictReplace = "replace"
	ConflictUpdate  = "update"
)

// VarID identifies the parameter of a Func.
type VarID int64

var lastVarID atomic.Int64

func nextVarID() VarID {
	return VarID(lastVarID.Add(1))
}

// Func is a one-parameter function body, used by Merge, Map and Filter.
type Func struct {
	Param VarID
	Body  Term
}

// Term is a node of a composed query.
//
// The zero Term is not valid; use the constructors.
type Term struct {
	op     Op
	args   []Term
	datum  any
	fields map[string]Term
	opts   Options
	fn     *Func
	name   string
	err    error
}

func (t Term) Op() Op                  { return t.op }
func (t Term) Args() []Term            { return t.args }
func (t Term) Value() any              { return t.datum }
func (t Term) Fields() map[string]Term { return t.fields }
func (t Term) Options() Options        { return t.opts }
func (t Term) Func() *Func             { return t.fn }
func (t Term) Err() error              { return t.err }

// Name is the table, index or field name carried by the term, if any.
func (t Term) Name() string { return t.name }

// Opt returns the option value stored under key.
func (t Term) Opt(key string) (any, bool) {
	v, ok := t.opts[key]
	return v, ok
}

// IsValid reports whether the term was built by a constructor.
func (t Term) IsValid() bool { return t.op != "" }

// Writes reports whether running the term can modify stored data.
func (t Term) Writes() bool {
	switch t.op {
	case OpTableCreate, OpIndexCreate, OpInsert, OpUpdate, OpDelete:
		return true
	}
	for _, a := range t.args {
		if a.Writes() {
			return true
		}
	}
	for _, f := range t.fields {
		if f.Writes() {
			return true
		}
	}
	if t.fn != nil {
		return t.fn.Body.Writes()
	}
	return false
}

func newFunc(fn func(row Term) Term) *Func {
	id := nextVarID()
	return &Func{Param: id, Body: fn(Term{op: OpVar, datum: id})}
}
