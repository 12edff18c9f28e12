// Package table maps schema-validated tables and their relations onto
// composed queries (package expr).
//
// Tables are usually declared once as package-level values. Schemas and
// relations are given as functions so tables can refer to each other; each
// is evaluated on first use and cached.
//
//	var Users, Posts *table.Table
//
//	func init() {
//		Users = table.MustNew(table.Options{
//			Name:   "users",
//			Schema: func() schema.Schema { return schema.Schema{"id": schema.String(), "email": schema.String().Unique()} },
//		})
//		Posts = table.MustNew(table.Options{
//			Name: "posts",
//			Schema: func() schema.Schema {
//				return schema.Schema{"id": schema.String(), "authorId": Users.MustForeignKey(table.ForeignKeyOptions{})}
//			},
//			Relations: func() table.Relations {
//				return table.Relations{"author": Posts.LinkTo(Users, "authorId", table.LinkOptions{}).ToOne()}
//			},
//		})
//	}
//
// Nothing here talks to a database: every method returns an expr.Term, run
// with a Runner such as *engine.Conn.
package table

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cube3power/nothinkdb/expr"
	"github.com/cube3power/nothinkdb/schema"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// DefaultPK is the primary key field of tables that don't set one.
const DefaultPK = "id"

// ReservedPrefix starts option keys in legacy join specifications. Relation
// names must not use it.
const ReservedPrefix = "_"

// Runner executes composed queries.
type Runner interface {
	Run(ctx context.Context, t expr.Term) (any, error)
}

// Relations maps relation names to relations.
type Relations map[string]Relation

// IndexOption declares an explicit secondary index. The zero value indexes
// the field named like the index.
type IndexOption struct {
	Field string
	// Kind is the key type hint for backends with typed keys: "S", "N" or
	// "B". Derived from the schema when empty.
	Kind string
}

type Options struct {
	Name      string
	// PK defaults to DefaultPK.
	PK        string
	Schema    func() schema.Schema
	Relations func() Relations
	Indexes   map[string]IndexOption
	Logger    *zap.SugaredLogger
}

// Table is a named collection of records conforming to a schema.
type Table struct {
	name    string
	pk      string
	indexes map[string]IndexOption
	log     *zap.SugaredLogger

	schemaFn   func() schema.Schema
	schemaOnce sync.Once
	schema     schema.Schema

	relationsFn   func() Relations
	relationsOnce sync.Once
	relations     Relations
	relationsErr  error

	syncMu sync.Mutex
	state  SyncState
}

// New creates a table. It fails with a *ConfigurationError when the name or
// schema function is missing, or an index option is malformed.
func New(opts Options) (*Table, error) {
	if opts.Name == "" {
		return nil, &ConfigurationError{Reason: "table name is required"}
	}
	if opts.Schema == nil {
		return nil, &ConfigurationError{Table: opts.Name, Reason: "schema function is required"}
	}
	pk := opts.PK
	if pk == "" {
		pk = DefaultPK
	}
	indexes := make(map[string]IndexOption, len(opts.Indexes))
	for name, o := range opts.Indexes {
		if name == "" {
			return nil, &ConfigurationError{Table: opts.Name, Reason: "index name is required"}
		}
		if name == pk || o.Field == pk {
			return nil, &ConfigurationError{Table: opts.Name, Reason: "primary key " + pk + " must not be indexed"}
		}
		switch o.Kind {
		case "", "S", "N", "B":
		default:
			return nil, &ConfigurationError{Table: opts.Name, Reason: "index " + name + " has unknown kind " + o.Kind}
		}
		indexes[name] = o
	}
	relationsFn := opts.Relations
	if relationsFn == nil {
		relationsFn = func() Relations { return Relations{} }
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Table{
		name:        opts.Name,
		pk:          pk,
		indexes:     indexes,
		log:         log,
		schemaFn:    opts.Schema,
		relationsFn: relationsFn,
	}, nil
}

// MustNew is like New but panics on a configuration error.
func MustNew(opts Options) *Table {
	t, err := New(opts)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Name() string { return t.name }
func (t *Table) PK() string   { return t.pk }

// Schema returns the table's schema, computing it on first use. A schema
// function must not call back into its own table's schema (e.g. through
// GetForeignKey).
func (t *Table) Schema() schema.Schema {
	t.schemaOnce.Do(func() {
		t.schema = t.schemaFn()
		if t.schema == nil {
			t.schema = schema.Schema{}
		}
	})
	return t.schema
}

// Relations returns the table's relations, computing them on first use.
func (t *Table) Relations() (Relations, error) {
	t.relationsOnce.Do(func() {
		rels := t.relationsFn()
		for name, rel := range rels {
			switch {
			case name == "" || strings.HasPrefix(name, ReservedPrefix):
				t.relationsErr = &ConfigurationError{Table: t.name, Reason: "relation name " + name + " is reserved"}
			case rel == nil:
				t.relationsErr = &ConfigurationError{Table: t.name, Reason: "relation " + name + " is nil"}
			default:
				t.relationsErr = checkEndpoints(t.name, name, rel)
			}
			if t.relationsErr != nil {
				return
			}
		}
		if err := checkJoinTables(t.name, rels); err != nil {
			t.relationsErr = err
			return
		}
		t.relations = rels
	})
	return t.relations, t.relationsErr
}

// checkEndpoints reports an endpoint whose field neither is declared by its
// table's schema nor is its primary key.
func checkEndpoints(table, name string, rel Relation) error {
	for _, e := range []Endpoint{rel.Owner(), rel.Target()} {
		if e.Table == nil {
			return &ConfigurationError{Table: table, Reason: "relation " + name + " has no table"}
		}
		if e.Field == e.Table.pk || e.Table.Schema().Has(e.Field) {
			continue
		}
		return &ConfigurationError{
			Table:  table,
			Reason: fmt.Sprintf("relation %s: table %s has no field %q", name, e.Table.name, e.Field),
		}
	}
	return nil
}

// checkJoinTables rejects many-to-many relations sharing a join table.
func checkJoinTables(table string, rels Relations) error {
	names := maps.Keys(rels)
	slices.Sort(names)
	owners := map[string]string{}
	for _, name := range names {
		m, ok := rels[name].(ManyToMany)
		if !ok {
			continue
		}
		join := m.JoinTable().Name()
		if other, dup := owners[join]; dup {
			return &ConfigurationError{
				Table:  table,
				Reason: fmt.Sprintf("relations %s and %s share join table %s", other, name, join),
			}
		}
		owners[join] = name
	}
	return nil
}

// Relation returns the named relation or a *RelationNotFoundError.
func (t *Table) Relation(name string) (Relation, error) {
	rels, err := t.Relations()
	if err != nil {
		return nil, err
	}
	rel, ok := rels[name]
	if !ok {
		return nil, &RelationNotFoundError{Table: t.name, Relation: name}
	}
	return rel, nil
}

// Validate reports whether rec conforms to the schema.
func (t *Table) Validate(rec schema.Record) bool {
	return t.Schema().Validate(rec) == nil
}

// Attempt returns a validated, coerced copy of rec with defaults applied, or
// a *schema.ValidationError.
func (t *Table) Attempt(rec schema.Record) (schema.Record, error) {
	return t.Schema().Attempt(rec)
}

// Create builds a record without writing it.
func (t *Table) Create(rec schema.Record) (schema.Record, error) {
	return t.Attempt(rec)
}

func (t *Table) HasField(name string) bool {
	return t.Schema().Has(name)
}

// GetField returns the validator of the named field or an
// *UnknownFieldError.
func (t *Table) GetField(name string) (*schema.Field, error) {
	f, ok := t.Schema()[name]
	if !ok {
		return nil, &UnknownFieldError{Table: t.name, Field: name}
	}
	return f, nil
}

type ForeignKeyOptions struct {
	// FieldName is the referenced field. Defaults to the primary key.
	FieldName    string
	IsManyToMany bool
}

// GetForeignKey returns a validator for a field referencing this table. It
// has the referenced field's kind and is indexed. Many-to-many keys are
// required; other keys are nullable and default to null.
func (t *Table) GetForeignKey(opts ForeignKeyOptions) (*schema.Field, error) {
	name := opts.FieldName
	if name == "" {
		name = t.pk
	}
	f, err := t.GetField(name)
	if err != nil {
		return nil, err
	}
	fk := schema.Of(f.Kind()).Index()
	if opts.IsManyToMany {
		return fk.Required(), nil
	}
	return fk.AllowNull().Default(nil), nil
}

// MustForeignKey is like GetForeignKey but panics on an unknown field.
func (t *Table) MustForeignKey(opts ForeignKeyOptions) *schema.Field {
	f, err := t.GetForeignKey(opts)
	if err != nil {
		panic(err)
	}
	return f
}

// Query is the term of the whole table.
func (t *Table) Query() expr.Term {
	return expr.Table(t.name)
}
