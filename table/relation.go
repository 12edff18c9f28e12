package table

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cube3power/nothinkdb/expr"
	"github.com/cube3power/nothinkdb/schema"
	"github.com/google/uuid"
)

type RelationKind string

const (
	KindToOne      RelationKind = "toOne"
	KindToMany     RelationKind = "toMany"
	KindManyToMany RelationKind = "manyToMany"
)

// ParseRelationKind parses the name of a relation kind.
func ParseRelationKind(s string) (RelationKind, error) {
	switch k := RelationKind(s); k {
	case KindToOne, KindToMany, KindManyToMany:
		return k, nil
	}
	return "", fmt.Errorf("unknown relation type %q", s)
}

// Endpoint is one side of a relation: a table and one of its fields.
type Endpoint struct {
	Table *Table
	Field string
}

// Relation is a directed association from an owner record to records of a
// target table.
type Relation interface {
	Kind() RelationKind
	Owner() Endpoint
	Target() Endpoint
	// Query composes the lookup of target records related to an owner whose
	// owner field equals value. value may be a term. opts shape the result
	// (expr.OptOrderBy, OptLimit, OptSkip, OptFilter, OptPluck).
	Query(value any, opts expr.Options) expr.Term
	// CoerceType reduces the result of Query to the relation's cardinality.
	CoerceType(q expr.Term) expr.Term
	// Sync provisions what the relation's queries need.
	Sync(ctx context.Context, r Runner) error
}

// ManyToMany is a relation stored in a join table, whose associations can be
// created and removed.
type ManyToMany interface {
	Relation
	JoinTable() *Table
	Create(ownerPK, targetPK any) (expr.Term, error)
	Remove(ownerPK, targetPK any) expr.Term
	Has(ownerPK, targetPK any) expr.Term
}

// Link is an unfinished relation; pick its cardinality with ToOne, ToMany or
// ManyToMany.
type Link struct {
	owner     Endpoint
	target    Endpoint
	joinTable string
}

type LinkOptions struct {
	// Index is the field of the other side. Defaults to its primary key.
	Index string
	// JoinTable names the join table of a ManyToMany relation. Defaults to
	// "<owner>_<target>".
	JoinTable string
}

// LinkTo links t.leftField to target.Index (default: target's primary key),
// e.g. a post's authorId to the author's id.
func (t *Table) LinkTo(target *Table, leftField string, opts LinkOptions) Link {
	index := opts.Index
	if index == "" {
		index = target.pk
	}
	return Link{
		owner:     Endpoint{Table: t, Field: leftField},
		target:    Endpoint{Table: target, Field: index},
		joinTable: opts.JoinTable,
	}
}

// LinkedBy links t.Index (default: t's primary key) to target.leftField,
// e.g. a user's id to the userId of their comments.
func (t *Table) LinkedBy(target *Table, leftField string, opts LinkOptions) Link {
	index := opts.Index
	if index == "" {
		index = t.pk
	}
	return Link{
		owner:     Endpoint{Table: t, Field: index},
		target:    Endpoint{Table: target, Field: leftField},
		joinTable: opts.JoinTable,
	}
}

func (l Link) ToOne() Relation {
	return &toOne{link: l}
}

func (l Link) ToMany() Relation {
	return &toMany{link: l}
}

// ManyToMany stores the relation in a join table, named "<owner>_<target>"
// unless LinkOptions.JoinTable says otherwise.
func (l Link) ManyToMany() ManyToMany {
	ownerFK := l.owner.Table.name + "_" + l.owner.Field
	targetFK := l.target.Table.name + "_" + l.target.Field
	owner, target := l.owner, l.target
	name := l.joinTable
	if name == "" {
		name = owner.Table.name + "_" + target.Table.name
	}
	join := MustNew(Options{
		Name: name,
		Schema: func() schema.Schema {
			return schema.Schema{
				DefaultPK: schema.String().Required(),
				ownerFK:   owner.Table.MustForeignKey(ForeignKeyOptions{FieldName: owner.Field, IsManyToMany: true}),
				targetFK:  target.Table.MustForeignKey(ForeignKeyOptions{FieldName: target.Field, IsManyToMany: true}),
			}
		},
		Logger: owner.Table.log,
	})
	return &manyToMany{link: l, join: join, ownerFK: ownerFK, targetFK: targetFK}
}

func (l Link) Owner() Endpoint  { return l.owner }
func (l Link) Target() Endpoint { return l.target }

// lookup composes the target records whose target field equals value.
func (l Link) lookup(value any, opts expr.Options) expr.Term {
	o := make(expr.Options, len(opts)+1)
	for k, v := range opts {
		o[k] = v
	}
	o[expr.OptIndex] = l.target.Field
	return l.target.Table.Query().GetAll([]any{value}, o)
}

// syncTarget makes sure the target field can be queried.
func (l Link) syncTarget(ctx context.Context, r Runner) error {
	if err := l.target.Table.EnsureTable(ctx, r); err != nil {
		return err
	}
	return l.target.Table.EnsureIndex(ctx, r, l.target.Field)
}

type toOne struct{ link Link }

func (*toOne) Kind() RelationKind { return KindToOne }
func (r *toOne) Owner() Endpoint  { return r.link.owner }
func (r *toOne) Target() Endpoint { return r.link.target }
func (r *toOne) Query(value any, opts expr.Options) expr.Term {
	return r.link.lookup(value, opts)
}

// CoerceType yields the first record or null.
func (*toOne) CoerceType(q expr.Term) expr.Term {
	return q.Nth(0).Default(nil)
}

func (r *toOne) Sync(ctx context.Context, run Runner) error {
	return r.link.syncTarget(ctx, run)
}

type toMany struct{ link Link }

func (*toMany) Kind() RelationKind               { return KindToMany }
func (r *toMany) Owner() Endpoint                { return r.link.owner }
func (r *toMany) Target() Endpoint               { return r.link.target }
func (*toMany) CoerceType(q expr.Term) expr.Term { return q }
func (r *toMany) Query(value any, opts expr.Options) expr.Term {
	return r.link.lookup(value, opts)
}

func (r *toMany) Sync(ctx context.Context, run Runner) error {
	return r.link.syncTarget(ctx, run)
}

type manyToMany struct {
	link     Link
	join     *Table
	ownerFK  string
	targetFK string
}

func (*manyToMany) Kind() RelationKind               { return KindManyToMany }
func (r *manyToMany) Owner() Endpoint                { return r.link.owner }
func (r *manyToMany) Target() Endpoint               { return r.link.target }
func (r *manyToMany) JoinTable() *Table              { return r.join }
func (*manyToMany) CoerceType(q expr.Term) expr.Term { return q }

// Query looks up the join records of the owner, then the targets they
// reference. opts apply to the targets.
func (r *manyToMany) Query(value any, opts expr.Options) expr.Term {
	targetKeys := r.join.Query().
		GetAll([]any{value}, expr.Options{expr.OptIndex: r.ownerFK}).
		Map(func(row expr.Term) expr.Term { return row.Field(r.targetFK) })
	return r.link.lookup(expr.Args(targetKeys), opts)
}

var joinNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("nothinkdb:join"))

// joinID derives the key of the association of ownerPK and targetPK. Each
// key is typed and length prefixed, so distinct pairs never share an id.
func (r *manyToMany) joinID(ownerPK, targetPK any) string {
	var b strings.Builder
	for _, k := range []any{ownerPK, targetPK} {
		s := keyPart(k)
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
	}
	return uuid.NewSHA1(joinNamespace, []byte(b.String())).String()
}

// keyPart renders a key so that numbers of any Go type agree.
func keyPart(v any) string {
	switch x := v.(type) {
	case string:
		return "s" + x
	case []byte:
		return "b" + string(x)
	case bool:
		return "t" + strconv.FormatBool(x)
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return "n" + strconv.FormatFloat(float64(rv.Int()), 'g', -1, 64)
	case rv.CanUint():
		return "n" + strconv.FormatFloat(float64(rv.Uint()), 'g', -1, 64)
	case rv.CanFloat():
		return "n" + strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	}
	return fmt.Sprintf("%T%v", v, v)
}

// Create composes the insertion of an association. Creating an existing
// association replaces it.
func (r *manyToMany) Create(ownerPK, targetPK any) (expr.Term, error) {
	return r.join.Insert(schema.Record{
		DefaultPK:  r.joinID(ownerPK, targetPK),
		r.ownerFK:  ownerPK,
		r.targetFK: targetPK,
	}, WithConflict(expr.ConflictReplace))
}

func (r *manyToMany) Remove(ownerPK, targetPK any) expr.Term {
	return r.join.Delete(r.joinID(ownerPK, targetPK))
}

func (r *manyToMany) Has(ownerPK, targetPK any) expr.Term {
	return r.join.Get(r.joinID(ownerPK, targetPK)).Ne(nil)
}

func (r *manyToMany) Sync(ctx context.Context, run Runner) error {
	if err := r.join.Sync(ctx, run); err != nil {
		return err
	}
	return r.link.syncTarget(ctx, run)
}

// QueryRelated composes the related records of an owner whose owner field
// equals value, coerced to the relation's cardinality.
func (t *Table) QueryRelated(name string, value any, opts expr.Options) (expr.Term, error) {
	rel, err := t.Relation(name)
	if err != nil {
		return expr.Term{}, err
	}
	return rel.CoerceType(rel.Query(value, opts)), nil
}

func (t *Table) manyToMany(name, op string) (ManyToMany, error) {
	rel, err := t.Relation(name)
	if err != nil {
		return nil, err
	}
	m, ok := rel.(ManyToMany)
	if !ok {
		return nil, &UnsupportedRelationOperationError{Table: t.name, Relation: name, Operation: op}
	}
	return m, nil
}

// CreateRelation composes the association of two records through the named
// many-to-many relation.
func (t *Table) CreateRelation(name string, ownerPK, targetPK any) (expr.Term, error) {
	m, err := t.manyToMany(name, "create")
	if err != nil {
		return expr.Term{}, err
	}
	return m.Create(ownerPK, targetPK)
}

func (t *Table) RemoveRelation(name string, ownerPK, targetPK any) (expr.Term, error) {
	m, err := t.manyToMany(name, "remove")
	if err != nil {
		return expr.Term{}, err
	}
	return m.Remove(ownerPK, targetPK), nil
}

func (t *Table) HasRelation(name string, ownerPK, targetPK any) (expr.Term, error) {
	m, err := t.manyToMany(name, "has")
	if err != nil {
		return expr.Term{}, err
	}
	return m.Has(ownerPK, targetPK), nil
}
