package table

import (
	"fmt"
	"strings"

	"github.com/cube3power/nothinkdb/schema"
	"go.uber.org/zap"
)

// Load builds the tables of a definition file, keyed by name. Foreign key
// fields take the kind of the referenced field, and relations are wired to
// the other tables of the file. Definitions are checked up front; a bad one
// fails with a *ConfigurationError.
func Load(f schema.File, log *zap.SugaredLogger) (map[string]*Table, error) {
	defs := make(map[string]schema.TableDef, len(f.Tables))
	for _, td := range f.Tables {
		defs[td.Name] = td
	}
	tables := make(map[string]*Table, len(f.Tables))
	for _, td := range f.Tables {
		t, err := newFromDef(td, defs, tables, log)
		if err != nil {
			return nil, err
		}
		tables[td.Name] = t
	}
	for _, td := range f.Tables {
		if err := checkRelations(td, defs); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// LoadFile is Load for a file on disk.
func LoadFile(path string, log *zap.SugaredLogger) (map[string]*Table, error) {
	f, err := schema.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(f, log)
}

func pkOf(td schema.TableDef) string {
	if td.PrimaryKey == "" {
		return DefaultPK
	}
	return td.PrimaryKey
}

func hasFieldDef(td schema.TableDef, name string) bool {
	for _, fd := range td.Fields {
		if fd.Name == name {
			return true
		}
	}
	return false
}

func newFromDef(td schema.TableDef, defs map[string]schema.TableDef, tables map[string]*Table, log *zap.SugaredLogger) (*Table, error) {
	static := make(schema.Schema, len(td.Fields))
	var foreign []schema.FieldDef
	for _, fd := range td.Fields {
		if fd.ForeignKey != "" {
			target, ok := defs[fd.ForeignKey]
			if !ok {
				return nil, &ConfigurationError{Table: td.Name, Reason: fmt.Sprintf("field %s references unknown table %s", fd.Name, fd.ForeignKey)}
			}
			if !hasFieldDef(target, pkOf(target)) {
				return nil, &ConfigurationError{Table: td.Name, Reason: fmt.Sprintf("field %s references %s, which has no primary key field", fd.Name, fd.ForeignKey)}
			}
			foreign = append(foreign, fd)
			continue
		}
		field, err := fd.Build()
		if err != nil {
			return nil, &ConfigurationError{Table: td.Name, Reason: err.Error()}
		}
		static[fd.Name] = field
	}

	indexes := make(map[string]IndexOption, len(td.Indexes))
	for _, id := range td.Indexes {
		indexes[id.Name] = IndexOption{Field: id.Field, Kind: id.Kind}
	}

	var self *Table
	build := func() schema.Schema {
		s := make(schema.Schema, len(td.Fields))
		for name, field := range static {
			s[name] = field
		}
		for _, fd := range foreign {
			fk := foreignKeyFromDef(defs[fd.ForeignKey])
			if fd.Required {
				fk = fk.Required()
			}
			if fd.Unique {
				fk = fk.Unique()
			}
			s[fd.Name] = fk
		}
		return s
	}
	relations := func() Relations {
		rels := make(Relations, len(td.Relations))
		for _, rd := range td.Relations {
			rels[rd.Name] = relationFromDef(self, tables[rd.Target], rd)
		}
		return rels
	}
	t, err := New(Options{
		Name:      td.Name,
		PK:        td.PrimaryKey,
		Schema:    build,
		Relations: relations,
		Indexes:   indexes,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	self = t
	return t, nil
}

// foreignKeyFromDef is GetForeignKey computed from the definition of the
// referenced table, so that tables may reference each other (or themselves)
// without computing each other's schema.
func foreignKeyFromDef(target schema.TableDef) *schema.Field {
	kind := schema.KindAny
	pk := pkOf(target)
	for _, fd := range target.Fields {
		if fd.Name == pk {
			if k, err := schema.ParseKind(fd.Kind); err == nil {
				kind = k
			}
		}
	}
	return schema.Of(kind).Index().AllowNull().Default(nil)
}

func relationFromDef(owner, target *Table, rd schema.RelationDef) Relation {
	opts := LinkOptions{Index: rd.Index, JoinTable: rd.JoinTable}
	switch RelationKind(rd.Type) {
	case KindToOne:
		return owner.LinkTo(target, rd.Field, opts).ToOne()
	case KindToMany:
		return owner.LinkedBy(target, rd.Field, opts).ToMany()
	default:
		field := rd.Field
		if field == "" {
			field = owner.pk
		}
		return owner.LinkTo(target, field, opts).ManyToMany()
	}
}

func checkRelations(td schema.TableDef, defs map[string]schema.TableDef) error {
	seen := make(map[string]bool, len(td.Relations))
	for _, rd := range td.Relations {
		fail := func(format string, args ...any) error {
			return &ConfigurationError{Table: td.Name, Reason: fmt.Sprintf("relation %s: ", rd.Name) + fmt.Sprintf(format, args...)}
		}
		if rd.Name == "" || strings.HasPrefix(rd.Name, ReservedPrefix) {
			return fail("name is reserved")
		}
		if seen[rd.Name] {
			return fail("defined twice")
		}
		seen[rd.Name] = true
		kind, err := ParseRelationKind(rd.Type)
		if err != nil {
			return fail("%v", err)
		}
		target, ok := defs[rd.Target]
		if !ok {
			return fail("unknown target table %s", rd.Target)
		}
		switch kind {
		case KindToOne:
			if !hasFieldDef(td, rd.Field) {
				return fail("unknown field %s", rd.Field)
			}
		case KindToMany:
			if !hasFieldDef(target, rd.Field) {
				return fail("unknown field %s.%s", rd.Target, rd.Field)
			}
		}
	}
	return nil
}
