package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/otchange/changeval/internal/database"
)

// FieldErrors maps the json field names of a request body to what is wrong with them
type FieldErrors map[string]string

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	// only the statuses a human may record
	_ = v.RegisterValidation("decision", func(fl validator.FieldLevel) bool {
		return database.ValidationStatus(fl.Field().String()).IsManualDecision()
	})
	return v
}

// jsonFieldName reports fields under the name the client sent
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// Validate checks a decoded request body against its validate tags.
// Returns nil when the body is acceptable.
func Validate(req interface{}) FieldErrors {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return FieldErrors{"_": err.Error()}
	}
	out := make(FieldErrors, len(fieldErrs))
	for _, fe := range fieldErrs {
		out[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "decision":
		return fmt.Sprintf("must be %s or %s", database.ValidationStatusManualValidated, database.ValidationStatusUnauthorized)
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}
