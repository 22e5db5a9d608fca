// Package validate provides centralized input validation for the MedLedger API.
// Validators return the normalized value so handlers store exactly what was checked.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
	ErrNotAllowed        = errors.New("value is not one of the allowed options")
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length (0 = no minimum)
	MaxLength      int            // Maximum length (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Character count, not byte count
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}
	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// OneOf checks s against a fixed set of options.
func OneOf(s string, options ...string) (string, error) {
	for _, o := range options {
		if s == o {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: must be one of %s", ErrNotAllowed, strings.Join(options, ", "))
}

var personNamePattern = regexp.MustCompile(`^[a-zA-Z\s\-'.]+$`)

// PersonName validates a display name:
// - 2-100 characters
// - Letters, spaces, hyphens, apostrophes and periods only
func PersonName(name string) (string, error) {
	return String(name, StringConstraints{
		MinLength:      2,
		MaxLength:      100,
		AllowedPattern: personNamePattern,
		TrimSpace:      true,
	})
}

// RecordTitle validates a medical record title (5-200 characters).
func RecordTitle(title string) (string, error) {
	return String(title, StringConstraints{MinLength: 5, MaxLength: 200, TrimSpace: true})
}

// RecordContent validates record content before encryption (1-10000 characters).
// Client-encrypted envelopes are checked by the cipher, not here.
func RecordContent(content string) (string, error) {
	return String(content, StringConstraints{MaxLength: 10000})
}

// HospitalName validates a facility name (2-200 characters).
func HospitalName(name string) (string, error) {
	return String(name, StringConstraints{MinLength: 2, MaxLength: 200, TrimSpace: true})
}

// OptionalText validates free text such as allergies or specialization.
func OptionalText(s string, max int) (string, error) {
	return String(s, StringConstraints{MaxLength: max, AllowEmpty: true, TrimSpace: true})
}
