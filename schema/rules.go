package schema

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var ruleValidator = validator.New()

// Rules adds go-playground/validator rules, e.g. "email" or "min=1,max=64".
// They apply to the coerced value; null values skip them.
func (f *Field) Rules(tag string) *Field {
	cp := f.clone()
	cp.rules = tag
	return cp
}

// RulesTag returns the rules set with Rules.
func (f *Field) RulesTag() string { return f.rules }

// CheckRules reports whether tag is a well-formed rules tag.
func CheckRules(tag string) error {
	_, err := applyRules("", tag)
	return err
}

// applyRules returns the reason v fails tag, or an error for a malformed
// tag. The validator panics on unknown rules.
func applyRules(v any, tag string) (reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rules %q: %v", tag, r)
		}
	}()
	verr := ruleValidator.Var(v, tag)
	if verr == nil {
		return "", nil
	}
	var failed validator.ValidationErrors
	if errors.As(verr, &failed) && len(failed) > 0 {
		rule := failed[0].Tag()
		if p := failed[0].Param(); p != "" {
			rule += "=" + p
		}
		return "fails rule " + rule, nil
	}
	return "", fmt.Errorf("invalid rules %q: %w", tag, verr)
}
