package validation

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
)

// Validator provides input validation with sanitization for free-text fields
type Validator struct {
	validator      *validator.Validate
	logger         *zap.Logger
	strictPolicy   *bluemonday.Policy
	injectionRegex *regexp.Regexp
	xssRegex       *regexp.Regexp
}

// NewValidator creates a validator with the security screens used on
// ticket bodies and other operator-visible free text.
func NewValidator(logger *zap.Logger) *Validator {
	v := validator.New()

	injectionPattern := `(?i)(union\s+select|insert\s+into|drop\s+table|exec\s*\(|javascript:|vbscript:|onload\s*=|onerror\s*=|document\.cookie)`
	xssPattern := `(?i)(<script|<iframe|<object|<embed|javascript:|data:text/html|on\w+\s*=)`

	return &Validator{
		validator:      v,
		logger:         logger,
		strictPolicy:   bluemonday.StrictPolicy(),
		injectionRegex: regexp.MustCompile(injectionPattern),
		xssRegex:       regexp.MustCompile(xssPattern),
	}
}

// FieldError represents a validation error with details
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

// FieldErrors is a collection of validation errors
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	if len(fe) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", fe[0].Message)
}

// ValidateStruct validates a struct using its validate tags
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs FieldErrors
	for _, err := range err.(validator.ValidationErrors) {
		fieldErrs = append(fieldErrs, FieldError{
			Field:   err.Field(),
			Tag:     err.Tag(),
			Value:   fmt.Sprintf("%v", err.Value()),
			Message: v.errorMessage(err),
		})
	}
	return fieldErrs
}

// Sanitize strips markup from user input and HTML-escapes the remainder.
func (v *Validator) Sanitize(input string) string {
	if input == "" {
		return input
	}
	return html.EscapeString(v.strictPolicy.Sanitize(input))
}

// Screen rejects input matching injection or XSS patterns.
func (v *Validator) Screen(field, input string) error {
	if v.injectionRegex.MatchString(input) {
		v.logger.Warn("rejected input matching injection pattern", zap.String("field", field))
		return fmt.Errorf("field %s contains disallowed content", field)
	}
	if v.xssRegex.MatchString(input) {
		v.logger.Warn("rejected input matching markup pattern", zap.String("field", field))
		return fmt.Errorf("field %s contains disallowed content", field)
	}
	return nil
}

func (v *Validator) errorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", err.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", err.Field(), err.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", err.Field(), err.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", err.Field(), strings.ReplaceAll(err.Param(), " ", ", "))
	case "uuid":
		return fmt.Sprintf("%s must be a valid UUID", err.Field())
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", err.Field(), err.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", err.Field(), err.Tag())
	}
}
