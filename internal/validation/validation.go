// Package validation provides input validation middleware for the settlement API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies at 1MB. Webhook payloads and API
// requests are both far below this.
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields.
const MaxStringLength = 10000

var (
	// idRegex validates user, task and escrow identifiers
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)
	// referralCodeRegex validates referral codes
	referralCodeRegex = regexp.MustCompile(`^[A-Z0-9]{4,12}$`)
	// amountRegex validates positive decimal money amounts
	amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// RequestSizeMiddleware rejects bodies larger than maxSize before handlers
// read them.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks if a string is a well-formed identifier.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// IsValidReferralCode checks if a string looks like a referral code.
func IsValidReferralCode(code string) bool {
	return referralCodeRegex.MatchString(code)
}

// SanitizeString trims whitespace, caps the length, and strips null bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError names the offending field and what is wrong with it.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every failed check so the client sees them all
// at once rather than one per round trip.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given checks and collects their failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks that a field is non-empty.
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a field, when present, is a well-formed identifier.
// Combine with Required when the field is mandatory.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be an alphanumeric identifier"}
		}
		return nil
	}
}

// MaxLength checks that a field does not exceed max bytes.
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks that a field, when present, is a positive decimal
// amount. Zero is rejected since no settlement operation moves nothing.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !amountRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if strings.Trim(value, "0.") == "" {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// IDParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include :id params to reject malformed IDs early.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "id must be an alphanumeric identifier",
			})
			return
		}
		c.Next()
	}
}
