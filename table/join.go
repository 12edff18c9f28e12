package table

import (
	"fmt"
	"strings"

	"github.com/cube3power/nothinkdb/expr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Joins selects relations to resolve, by relation name.
type Joins map[string]*JoinSpec

// JoinSpec configures one joined relation. A nil *JoinSpec is a plain join.
type JoinSpec struct {
	// Options shape the related records (expr.OptOrderBy, OptLimit, ...).
	Options expr.Options
	// Relations are joined into each related record.
	Relations Joins
}

// ParseJoins converts the nested map form of a join specification:
//
//	{"author": true, "comments": {"_limit": 5, "likes": true}}
//
// Keys with the reserved "_" prefix are options of the enclosing relation,
// with the prefix stripped; other keys are nested relations. false drops a
// relation.
func ParseJoins(spec map[string]any) (Joins, error) {
	joins := make(Joins, len(spec))
	for name, v := range spec {
		if strings.HasPrefix(name, ReservedPrefix) {
			return nil, fmt.Errorf("option %q outside of a relation", name)
		}
		switch x := v.(type) {
		case bool:
			if x {
				joins[name] = nil
			}
		case map[string]any:
			js, err := parseJoinSpec(x)
			if err != nil {
				return nil, fmt.Errorf("relation %q: %w", name, err)
			}
			joins[name] = js
		default:
			return nil, fmt.Errorf("relation %q: expected a bool or a map, got %T", name, v)
		}
	}
	return joins, nil
}

func parseJoinSpec(m map[string]any) (*JoinSpec, error) {
	js := &JoinSpec{}
	nested := make(map[string]any)
	for k, v := range m {
		if opt, ok := strings.CutPrefix(k, ReservedPrefix); ok {
			if js.Options == nil {
				js.Options = expr.Options{}
			}
			js.Options[opt] = v
			continue
		}
		nested[k] = v
	}
	if len(nested) > 0 {
		rels, err := ParseJoins(nested)
		if err != nil {
			return nil, err
		}
		js.Relations = rels
	}
	return js, nil
}

// WithJoin merges the requested relations into every record q yields, under
// the relation names. Null records are passed through untouched. An unknown
// relation raises a *RelationNotFoundError when the query runs and reaches a
// record.
func (t *Table) WithJoin(q expr.Term, joins Joins) expr.Term {
	if len(joins) == 0 {
		return q
	}
	names := maps.Keys(joins)
	slices.Sort(names)
	return q.Merge(func(row expr.Term) expr.Term {
		fields := make(map[string]expr.Term, len(names))
		for _, name := range names {
			fields[name] = t.joinOne(row, name, joins[name])
		}
		return expr.Object(fields)
	})
}

func (t *Table) joinOne(row expr.Term, name string, spec *JoinSpec) expr.Term {
	rel, err := t.Relation(name)
	if err != nil {
		return expr.Error(err)
	}
	var opts expr.Options
	if spec != nil {
		opts = spec.Options
	}
	related := rel.CoerceType(rel.Query(row.Field(rel.Owner().Field), opts))
	if spec != nil && len(spec.Relations) > 0 {
		related = rel.Target().Table.WithJoin(related, spec.Relations)
	}
	return related
}
