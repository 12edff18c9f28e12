package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userSchema() Schema {
	return Schema{
		"id":        String().Required(),
		"email":     String().Unique(),
		"name":      String().Required(),
		"age":       Integer(),
		"role":      String().Valid("admin", "member").Default("member"),
		"teamId":    String().AllowNull().Default(nil).Index(),
		"createdAt": Time(),
	}
}

func TestSchema_Attempt(t *testing.T) {
	s := userSchema()

	t.Run("valid record is returned unchanged", func(t *testing.T) {
		in := Record{"id": "u1", "email": "a@b.c", "name": "Alice", "age": 31, "role": "admin", "teamId": "t1"}
		out, err := s.Attempt(in)
		require.NoError(t, err)
		assert.Equal(t, in, out)
		require.NoError(t, s.Validate(in))
	})

	t.Run("defaults are applied on a copy", func(t *testing.T) {
		in := Record{"id": "u1", "name": "Alice"}
		out, err := s.Attempt(in)
		require.NoError(t, err)
		assert.Equal(t, "member", out["role"])
		assert.Contains(t, out, "teamId")
		assert.Nil(t, out["teamId"])
		assert.NotContains(t, in, "role")
	})

	t.Run("missing required field is named", func(t *testing.T) {
		_, err := s.Attempt(Record{"id": "u1"})
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, []string{"name"}, verr.Fields())
		reason, ok := verr.Reason("name")
		require.True(t, ok)
		assert.Equal(t, "is required", reason)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := s.Attempt(Record{"id": "u1", "name": "A", "nickname": "a"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, []string{"nickname"}, verr.Fields())
	})

	t.Run("all offending fields are reported", func(t *testing.T) {
		_, err := s.Attempt(Record{"id": 7, "name": nil, "role": "owner"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, []string{"id", "name", "role"}, verr.Fields())
		assert.Contains(t, err.Error(), `"role" must be one of [admin member]`)
	})

	t.Run("values are coerced", func(t *testing.T) {
		out, err := s.Attempt(Record{"id": "u1", "name": "A", "age": "42", "createdAt": "2024-01-02T03:04:05Z"})
		require.NoError(t, err)
		assert.Equal(t, int64(42), out["age"])
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), out["createdAt"])
	})

	t.Run("nil record", func(t *testing.T) {
		_, err := s.Attempt(nil)
		require.Error(t, err)
	})
}

func TestSchema_ValidatePartial(t *testing.T) {
	s := userSchema()

	out, err := s.ValidatePartial(Record{"age": 3.0})
	require.NoError(t, err)
	assert.Equal(t, Record{"age": 3.0}, out)

	_, err = s.ValidatePartial(Record{"name": nil})
	require.Error(t, err)

	_, err = s.ValidatePartial(Record{"age": 3.5})
	require.Error(t, err)
}

func TestSchema_MetaFlags(t *testing.T) {
	s := userSchema()
	assert.Equal(t, []string{"teamId"}, s.Indexed())
	assert.Equal(t, []string{"email"}, s.Unique())
	assert.True(t, s["email"].IsUnique())
	assert.False(t, s["email"].IsIndexed())
	assert.False(t, s["id"].HasMeta(MetaIndex))
	assert.False(t, String().Meta(MetaIndex, false).IsIndexed())
}

func TestField_Immutable(t *testing.T) {
	base := String()
	req := base.Required().Index()
	assert.False(t, base.IsRequired())
	assert.False(t, base.IsIndexed())
	assert.True(t, req.IsRequired())
	assert.True(t, req.IsIndexed())

	nullable := req.AllowNull().Default(nil)
	assert.True(t, nullable.IsNullable())
	assert.False(t, req.IsNullable())
	def, ok := nullable.DefaultValue()
	assert.True(t, ok)
	assert.Nil(t, def)
}

func TestField_Kinds(t *testing.T) {
	tests := []struct {
		field *Field
		in    any
		ok    bool
	}{
		{String(), "x", true},
		{String(), 1, false},
		{Number(), 1.5, true},
		{Number(), "1.5", true},
		{Number(), "abc", false},
		{Integer(), 2.0, true},
		{Integer(), 2.5, false},
		{Bool(), "true", true},
		{Bool(), "nope", false},
		{Time(), time.Now(), true},
		{Time(), "yesterday", false},
		{Object(), map[string]any{"a": 1}, true},
		{Object(), []any{}, false},
		{Array(), []string{"a"}, true},
		{Array(), []byte("a"), false},
		{Any(), struct{}{}, true},
	}
	for _, tt := range tests {
		_, _, reason := tt.field.check(tt.in, true)
		assert.Equal(t, tt.ok, reason == "", "%s %#v: %s", tt.field.Kind(), tt.in, reason)
	}
}

func TestField_Rules(t *testing.T) {
	s := Schema{
		"email":  String().Rules("email"),
		"handle": String().AllowNull().Rules("min=3,max=8"),
		"score":  Number().Rules("gte=0,lte=100"),
	}
	reasonOf := func(t *testing.T, rec Record, field string) string {
		t.Helper()
		_, err := s.Attempt(rec)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		reason, ok := verr.Reason(field)
		require.True(t, ok, verr.Error())
		return reason
	}

	out, err := s.Attempt(Record{"email": "ann@example.com", "handle": "ann", "score": "42"})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out["score"], "rules see the coerced value")

	_, err = s.Attempt(Record{"handle": nil})
	require.NoError(t, err, "null skips the rules")

	assert.Equal(t, "fails rule email", reasonOf(t, Record{"email": "ann"}, "email"))
	assert.Equal(t, "fails rule min=3", reasonOf(t, Record{"handle": "a"}, "handle"))
	assert.Equal(t, "fails rule lte=100", reasonOf(t, Record{"score": 101}, "score"))

	broken := Schema{"n": Integer().Rules("no_such_rule")}
	_, err = broken.Attempt(Record{"n": 1})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	reason, _ := verr.Reason("n")
	assert.Contains(t, reason, "invalid rules")

	assert.Equal(t, "email", s["email"].RulesTag())
	assert.Empty(t, String().RulesTag())
	require.NoError(t, CheckRules("required,email"))
	require.Error(t, CheckRules("no_such_rule"))
}

func TestParseFile(t *testing.T) {
	f, err := ParseFile([]byte(`
tables:
  - name: users
    fields:
      - {name: id, kind: string, required: true}
      - {name: email, kind: string, unique: true}
      - {name: role, kind: string, values: [admin, member], default: member}
    indexes:
      - {name: byName, field: name}
  - name: posts
    fields:
      - {name: id, kind: string, required: true}
      - {name: authorId, foreignKey: users}
    relations:
      - {name: author, type: toOne, target: users, field: authorId}
`))
	require.NoError(t, err)
	require.Len(t, f.Tables, 2)
	assert.Equal(t, "byName", f.Tables[0].Indexes[0].Name)
	assert.Equal(t, "users", f.Tables[1].Fields[1].ForeignKey)

	role, err := f.Tables[0].Fields[2].Build()
	require.NoError(t, err)
	def, ok := role.DefaultValue()
	assert.True(t, ok)
	assert.Equal(t, "member", def)

	email, err := f.Tables[0].Fields[1].Build()
	require.NoError(t, err)
	assert.True(t, email.IsUnique())

	_, err = ParseFile([]byte("tables:\n  - name: a\n  - name: a\n"))
	require.Error(t, err)

	_, err = FieldDef{Name: "x", Kind: "decimal"}.Build()
	require.Error(t, err)

	website, err := FieldDef{Name: "website", Kind: "string", Rules: "url"}.Build()
	require.NoError(t, err)
	assert.Equal(t, "url", website.RulesTag())

	_, err = FieldDef{Name: "website", Kind: "string", Rules: "no_such_rule"}.Build()
	assert.ErrorContains(t, err, "website")
}
