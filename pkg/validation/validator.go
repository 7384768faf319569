package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Aidin1998/tradeguard/pkg/errors"
)

var currencyCode = regexp.MustCompile(`^[a-z]{3}$`)

// Validator validates request structs and strips markup from free text
type Validator struct {
	validator *validator.Validate
	sanitizer *bluemonday.Policy
}

// NewValidator creates a new validator instance with security configurations
func NewValidator() *Validator {
	v := validator.New()
	_ = v.RegisterValidation("currency3", func(fl validator.FieldLevel) bool {
		return currencyCode.MatchString(fl.Field().String())
	})

	return &Validator{
		validator: v,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidateStruct validates a struct using struct tags. Failures come back as
// an Invalid error naming the first offending field.
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.Invalid.Wrap(err)
	}

	details := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: message(fe),
		})
	}
	return errors.Invalid.Explain("%s", details[0].Message)
}

// Sanitize strips every HTML element from user supplied text and trims it.
func (v *Validator) Sanitize(input string) string {
	if input == "" {
		return input
	}
	return strings.TrimSpace(v.sanitizer.Sanitize(input))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "currency3":
		return fmt.Sprintf("%s must be a lowercase ISO 4217 code", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
