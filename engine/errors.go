package engine

import (
	"errors"
	"fmt"

	"github.com/cube3power/nothinkdb/expr"
)

// DatabaseError wraps every failure of the execution layer: backend errors,
// type errors while evaluating a term, and missing values.
type DatabaseError struct {
	Op  expr.Op
	Err error
}

func (e *DatabaseError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("database error: %v", e.Err)
	}
	return fmt.Sprintf("database error in %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// errNoResult is returned for missing values (null rows, out of range
// indexes). Default catches it.
var errNoResult = errors.New("no result")

// raisedError carries an error raised by an expr.Error term. Run returns
// the inner error unchanged so callers can match it with errors.As.
type raisedError struct {
	err error
}

func (e *raisedError) Error() string { return e.err.Error() }
func (e *raisedError) Unwrap() error { return e.err }

func wrap(op expr.Op, err error) error {
	var raised *raisedError
	var dbErr *DatabaseError
	if errors.As(err, &raised) || errors.As(err, &dbErr) || errors.Is(err, errNoResult) {
		return err
	}
	return &DatabaseError{Op: op, Err: err}
}
