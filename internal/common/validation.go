package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError represents validation failures
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field '%s' %s", e.Field, e.Message)
}

// Validator provides validation utilities
type Validator struct {
	errors []ValidationError
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{
		errors: make([]ValidationError, 0),
	}
}

// Field validates a field and collects errors
func (v *Validator) Field(fieldName string, value interface{}, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if err := rule(fieldName, value); err != nil {
			v.errors = append(v.errors, *err)
		}
	}
	return v
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ErrorMessage returns a combined error message as string
func (v *Validator) ErrorMessage() string {
	if !v.HasErrors() {
		return ""
	}

	var messages []string
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// Err returns a ValidationError-kind AppError, or nil when every rule passed.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return NewAppError(CodeValidation, v.ErrorMessage(), ErrValidation)
}

// ValidationRule represents a single validation rule
type ValidationRule func(fieldName string, value interface{}) *ValidationError

// Required - Common validation rules
func Required(fieldName string, value interface{}) *ValidationError {
	if value == nil {
		return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
	}

	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
		}
	case *string:
		if v == nil || strings.TrimSpace(*v) == "" {
			return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
		}
	}
	return nil
}

// MaxLength returns a rule rejecting strings longer than max runes.
func MaxLength(max int) ValidationRule {
	return func(fieldName string, value interface{}) *ValidationError {
		str, ok := value.(string)
		if !ok {
			return nil
		}
		if utf8.RuneCountInString(str) > max {
			return &ValidationError{
				Field:   fieldName,
				Value:   value,
				Message: fmt.Sprintf("must be at most %d characters", max),
			}
		}
		return nil
	}
}

func UUID(fieldName string, value interface{}) *ValidationError {
	str, ok := value.(string)
	if !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a string"}
	}

	if _, err := uuid.Parse(str); err != nil {
		return &ValidationError{
			Field:   fieldName,
			Value:   value,
			Message: "must be a valid UUID",
		}
	}
	return nil
}

// Request body schemas validated at the HTTP boundary.
const (
	SchemaResequence    = "resequence.json"
	SchemaBundleRequest = "bundle_request.json"
	SchemaAppendExhibit = "append_exhibit.json"
	SchemaCaseSettings  = "case_settings.json"
)

var requestSchemas = map[string]string{
	SchemaResequence: `{
  "type": "object",
  "required": ["order"],
  "additionalProperties": false,
  "properties": {
    "order": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "expected_version": {"type": "integer", "minimum": 0}
  }
}`,
	SchemaBundleRequest: `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "exhibit_ids": {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true},
    "title": {"type": "string", "maxLength": 200},
    "incremental": {"type": "boolean"}
  }
}`,
	SchemaAppendExhibit: `{
  "type": "object",
  "required": ["document_ref"],
  "additionalProperties": false,
  "properties": {
    "document_ref": {"type": "string", "minLength": 1, "maxLength": 512},
    "content": {"type": "string", "contentEncoding": "base64", "minLength": 1}
  }
}`,
	SchemaCaseSettings: `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "label_prefix": {"type": "string", "minLength": 1, "maxLength": 64},
    "label_pad_width": {"type": "integer", "minimum": 0, "maximum": 12},
    "bates_prefix": {"type": "string", "minLength": 1, "maxLength": 32, "pattern": "^[A-Za-z0-9_.-]+$"},
    "bates_pad_width": {"type": "integer", "minimum": 0, "maximum": 12}
  }
}`,
}

// RequestValidator holds the compiled request schemas.
type RequestValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewRequestValidator compiles every request schema once.
func NewRequestValidator() (*RequestValidator, error) {
	compiled := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name, src := range requestSchemas {
		s, err := jsonschema.CompileString(name, src)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = s
	}
	return &RequestValidator{schemas: compiled}, nil
}

// Decode validates body against the named schema and then unmarshals it into out.
// Malformed JSON and schema violations are both ValidationErrors.
func (v *RequestValidator) Decode(schema string, body []byte, out any) error {
	s, ok := v.schemas[schema]
	if !ok {
		return NewAppError(CodeInternal, "unknown request schema "+schema, ErrInternal)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Validationf("malformed JSON body: %v", err)
	}
	if err := s.Validate(doc); err != nil {
		return Validationf("request body does not match %s: %s", strings.TrimSuffix(schema, ".json"), schemaMessage(err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Validationf("malformed request body: %v", err)
	}
	return nil
}

func schemaMessage(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if leaf.InstanceLocation != "" {
			return leaf.InstanceLocation + ": " + leaf.Message
		}
		return leaf.Message
	}
	return err.Error()
}
