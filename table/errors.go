package table

import "fmt"

// ConfigurationError reports invalid table or relation options.
type ConfigurationError struct {
	Table  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Table == "" {
		return "invalid table configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration of table %q: %s", e.Table, e.Reason)
}

type UnknownFieldError struct {
	Table string
	Field string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("field %q is unspecified in table %q", e.Field, e.Table)
}

type RelationNotFoundError struct {
	Table    string
	Relation string
}

func (e *RelationNotFoundError) Error() string {
	return fmt.Sprintf("relation %s.%s does not exist", e.Table, e.Relation)
}

// UnsupportedRelationOperationError is returned when a many-to-many
// operation is requested on another kind of relation.
type UnsupportedRelationOperationError struct {
	Table     string
	Relation  string
	Operation string
}

func (e *UnsupportedRelationOperationError) Error() string {
	return fmt.Sprintf("relation %s.%s does not support %s", e.Table, e.Relation, e.Operation)
}

// UniquenessViolationError is raised when a write would store a value of a
// unique field that another record already holds.
type UniquenessViolationError struct {
	Table string
	Field string
	Value any
}

func (e *UniquenessViolationError) Error() string {
	return fmt.Sprintf("%s.%s must be unique: %v already exists", e.Table, e.Field, e.Value)
}
