package models

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ValidationError reports a malformed or incomplete payload. It is returned
// before any storage mutation takes place.
type ValidationError struct {
	Problems *multierror.Error
}

func (e *ValidationError) Error() string {
	if e.Problems == nil || len(e.Problems.Errors) == 0 {
		return "validation failed"
	}
	return "validation failed: " + e.Problems.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Problems.ErrorOrNil()
}

// Len returns the number of individual problems found.
func (e *ValidationError) Len() int {
	if e.Problems == nil {
		return 0
	}
	return e.Problems.Len()
}

func newValidationError(problems *multierror.Error) error {
	if problems.ErrorOrNil() == nil {
		return nil
	}
	problems.ErrorFormat = joinProblems
	return &ValidationError{Problems: problems}
}

// Invalid builds a ValidationError from a single problem.
func Invalid(format string, args ...any) error {
	return newValidationError(multierror.Append(nil, fmt.Errorf(format, args...)))
}

func joinProblems(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}
