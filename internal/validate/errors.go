package validate

import "strings"

// FieldError is one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects field-level validation failures for a single request.
type Errors []FieldError

// Add records err against field. A nil err is ignored.
func (e *Errors) Add(field string, err error) {
	if err == nil {
		return
	}
	*e = append(*e, FieldError{Field: field, Message: err.Error()})
}

// Addf records a message against field.
func (e *Errors) Addf(field, message string) {
	*e = append(*e, FieldError{Field: field, Message: message})
}

// Err returns e as an error, or nil when nothing was recorded.
func (e Errors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, f := range e {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
