// Package validation adapts go-playground/validator to echo's Validator
// interface so handlers can call c.Validate on bound request bodies.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// validatable is implemented by enum types that know their own domain, such
// as acuity levels.
type validatable interface {
	Valid() bool
}

type Validator struct {
	v *validator.Validate
}

// New returns a Validator that reports fields by their JSON names and
// understands the "valid" tag for types implementing Valid() bool.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("valid", func(fl validator.FieldLevel) bool {
		if !fl.Field().CanInterface() {
			return false
		}
		if x, ok := fl.Field().Interface().(validatable); ok {
			return x.Valid()
		}
		return false
	})
	return &Validator{v: v}
}

// Validate implements echo.Validator. Failures become 400 responses listing
// every offending field.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return echo.NewHTTPError(http.StatusBadRequest, strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Field()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", field)
	case "valid":
		return fmt.Sprintf("'%s' has an unrecognized value '%v'", field, e.Value())
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s] (got '%v')", field, e.Param(), e.Value())
	case "gte", "min":
		return fmt.Sprintf("'%s' must be at least %s (got '%v')", field, e.Param(), e.Value())
	case "lte", "max":
		return fmt.Sprintf("'%s' must be at most %s (got '%v')", field, e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("'%s' must be greater than %s (got '%v')", field, e.Param(), e.Value())
	default:
		return fmt.Sprintf("'%s' failed validation '%s'", field, e.Tag())
	}
}
