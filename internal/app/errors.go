package app

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrUnknownDonation      = errors.New("callback does not match any donation")
	ErrInvalidTransition    = errors.New("invalid donation status transition")
	ErrDonationNotCompleted = errors.New("donation has not completed")
)

// ValidationError lists the request fields that were rejected, keyed by
// their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", key, e.Fields[key]))
	}
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// newValidator returns a validator that reports fields by their json tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fromValidatorError(err error) *ValidationError {
	out := &ValidationError{}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		out.add("_", "invalid request")
		return out
	}
	for _, fe := range ve {
		out.add(fe.Field(), messageForTag(fe.Tag(), fe.Param()))
	}
	return out
}

func messageForTag(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + param
	case "len":
		return "must be exactly " + param + " characters"
	case "max":
		return "must be at most " + param + " characters"
	case "alpha":
		return "must contain letters only"
	default:
		return "is invalid"
	}
}
