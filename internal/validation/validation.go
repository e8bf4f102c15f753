// Package validation provides input validation for the campusworks API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxReasonLength bounds free-text fields (dispute reasons, notes).
const MaxReasonLength = 2000

// currencyRegex validates three-letter ISO 4217 currency codes.
var currencyRegex = regexp.MustCompile(`^[a-zA-Z]{3}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks if a string is a three-letter currency code.
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// PositiveAmount checks that a minor-unit amount is strictly positive.
func PositiveAmount(field string, amount int64) func() *ValidationError {
	return func() *ValidationError {
		if amount <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive amount in minor currency units"}
		}
		return nil
	}
}

// ValidCurrency checks that a field is a three-letter currency code.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter ISO currency code"}
		}
		return nil
	}
}
