package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the root of a table definition file:
//
//	tables:
//	  - name: users
//	    fields:
//	      - {name: id, kind: string, required: true}
//	      - {name: email, kind: string, unique: true}
//	  - name: posts
//	    fields:
//	      - {name: id, kind: string, required: true}
//	      - {name: authorId, foreignKey: users}
//	    relations:
//	      - {name: author, type: toOne, target: users, field: authorId}
type File struct {
	Tables []TableDef `yaml:"tables" json:"tables"`
}

// TableDef describes one table.
type TableDef struct {
	Name       string        `yaml:"name" json:"name"`
	PrimaryKey string        `yaml:"primaryKey,omitempty" json:"primaryKey,omitempty"`
	Fields     []FieldDef    `yaml:"fields" json:"fields"`
	Indexes    []IndexDef    `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	Relations  []RelationDef `yaml:"relations,omitempty" json:"relations,omitempty"`
}

// FieldDef describes a field.
type FieldDef struct {
	Name     string `yaml:"name" json:"name"`
	Kind     string `yaml:"kind,omitempty" json:"kind,omitempty"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Nullable bool   `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
	Values   []any  `yaml:"values,omitempty" json:"values,omitempty"`
	Index    bool   `yaml:"index,omitempty" json:"index,omitempty"`
	Unique   bool   `yaml:"unique,omitempty" json:"unique,omitempty"`
	// Rules are go-playground/validator rules, e.g. "email".
	Rules string `yaml:"rules,omitempty" json:"rules,omitempty"`
	// ForeignKey names the table whose primary key this field references.
	// The field is then built by that table (see table.GetForeignKey).
	ForeignKey string `yaml:"foreignKey,omitempty" json:"foreignKey,omitempty"`
}

// IndexDef declares an explicit secondary index.
type IndexDef struct {
	Name  string `yaml:"name" json:"name"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	Kind  string `yaml:"kind,omitempty" json:"kind,omitempty"` // "S", "N" or "B"
}

// RelationDef declares a named relation.
type RelationDef struct {
	Name   string `yaml:"name" json:"name"`
	Type   string `yaml:"type" json:"type"` // toOne, toMany or manyToMany
	Target string `yaml:"target" json:"target"`
	// Field is the local field for toOne (linkTo) and the target's field for
	// toMany (linkedBy). Unused for manyToMany.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	Index string `yaml:"index,omitempty" json:"index,omitempty"`
	// JoinTable overrides the join table name of a manyToMany relation.
	JoinTable string `yaml:"joinTable,omitempty" json:"joinTable,omitempty"`
}

// Build returns the validator described by d. Foreign keys are resolved by
// the caller.
func (d FieldDef) Build() (*Field, error) {
	k, err := ParseKind(d.Kind)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", d.Name, err)
	}
	f := Of(k)
	if d.Required {
		f = f.Required()
	}
	if d.Nullable {
		f = f.AllowNull()
	}
	if d.Default != nil {
		f = f.Default(d.Default)
	}
	if len(d.Values) > 0 {
		f = f.Valid(d.Values...)
	}
	if d.Index {
		f = f.Index()
	}
	if d.Unique {
		f = f.Unique()
	}
	if d.Rules != "" {
		if err := CheckRules(d.Rules); err != nil {
			return nil, fmt.Errorf("field %q: %w", d.Name, err)
		}
		f = f.Rules(d.Rules)
	}
	return f, nil
}

// ParseFile decodes a YAML table definition file.
func ParseFile(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("decode table definitions: %w", err)
	}
	seen := make(map[string]bool, len(f.Tables))
	for _, t := range f.Tables {
		if t.Name == "" {
			return File{}, fmt.Errorf("table name is required")
		}
		if seen[t.Name] {
			return File{}, fmt.Errorf("table %q is defined twice", t.Name)
		}
		seen[t.Name] = true
	}
	return f, nil
}

// LoadFile reads and decodes a YAML table definition file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read table definitions: %w", err)
	}
	return ParseFile(data)
}
