package config

import (
	"fmt"
	"strings"
)

// ValidationError is a single invalid field with a hint on how to fix it
type ValidationError struct {
	Field        string      `json:"field"`
	Message      string      `json:"message"`
	Suggestion   string      `json:"suggestion,omitempty"`
	CurrentValue interface{} `json:"current_value,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s", e.Field, e.Message)
}

func newValidationError(field string, current interface{}, message, suggestion string) ValidationError {
	return ValidationError{
		Field:        field,
		Message:      message,
		Suggestion:   suggestion,
		CurrentValue: current,
	}
}

// ValidationErrors collects every invalid field found in one pass
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	messages := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("multiple validation errors:\n  - %s", strings.Join(messages, "\n  - "))
}

// Fields returns the names of the invalid fields
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		fields = append(fields, err.Field)
	}
	return fields
}

// Suggestions returns "field: suggestion" lines for errors that carry one
func (e ValidationErrors) Suggestions() []string {
	var suggestions []string
	for _, err := range e.Errors {
		if err.Suggestion != "" {
			suggestions = append(suggestions, fmt.Sprintf("%s: %s", err.Field, err.Suggestion))
		}
	}
	return suggestions
}

// LoadError is returned when a config source cannot be read or decoded
type LoadError struct {
	File    string
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("config load error in '%s': %s", e.File, e.Message)
	}
	return fmt.Sprintf("config load error: %s", e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}
