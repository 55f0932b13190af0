package models

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
)

// validate is shared by every payload type in this package. Field names in
// problems are reported with their JSON names.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return ValidRoles[Role(fl.Field().String())]
	}); err != nil {
		panic(err)
	}
}

// structProblems runs the tag validation on v and appends one problem per
// failed field to problems.
func structProblems(problems *multierror.Error, v any) *multierror.Error {
	err := validate.Struct(v)
	if err == nil {
		return problems
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return multierror.Append(problems, err)
	}
	for _, fe := range fieldErrs {
		problems = multierror.Append(problems, fmt.Errorf("%s: failed %q check", fieldPath(fe.Namespace()), fe.Tag()))
	}
	return problems
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// NormalizeMAC returns mac in lower-case colon-separated form. iPXE reports
// MACs hyphen-separated; both spellings name the same interface.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", err
	}
	return hw.String(), nil
}
