package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks a payload that could not be parsed or does not
// conform to its schema.
var ErrValidation = errors.New("schema validation failed")

// ValidationError reports which schema a payload failed and why.
type ValidationError struct {
	Schema string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrValidation, e.Schema, e.Err)
}

// Unwrap exposes both ErrValidation and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// report JSON field names so errors line up with what the model produced
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks v (a pointer to a payload struct) against its tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return &ValidationError{Schema: nameOf(reflect.TypeOf(v)), Err: err}
	}
	return nil
}

// Decode unmarshals data into T, canonicalizes enum casing and validates
// the result. Unknown fields and trailing data are rejected, matching the
// additionalProperties:false schemas sent to the model.
func Decode[T any](data []byte) (T, error) {
	var v T
	name := nameOf(reflect.TypeOf((*T)(nil)).Elem())

	if len(bytes.TrimSpace(data)) == 0 {
		return v, &ValidationError{Schema: name, Err: errors.New("empty payload")}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, &ValidationError{Schema: name, Err: fmt.Errorf("decode: %w", err)}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return v, &ValidationError{Schema: name, Err: errors.New("decode: trailing data after object")}
	}
	if n, ok := any(&v).(normalizer); ok {
		n.normalize()
	}
	if err := Validate(&v); err != nil {
		return v, err
	}
	return v, nil
}

// ExtractJSON pulls a single JSON object out of free-form model text. It
// accepts bare objects, fenced code blocks and objects surrounded by prose.
// The first complete object wins; anything after it is ignored.
func ExtractJSON(text string) ([]byte, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, &ValidationError{Schema: "text", Err: errors.New("empty response")}
	}

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			// drop the language tag line
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	found := false
	for off := 0; ; {
		i := strings.IndexByte(s[off:], '{')
		if i < 0 {
			break
		}
		found = true
		start := off + i

		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[start:])).Decode(&raw); err == nil {
			return raw, nil
		}
		// a brace in leading prose, try the next one
		off = start + 1
	}

	if !found {
		return nil, &ValidationError{Schema: "text", Err: errors.New("no JSON object found in response")}
	}
	return nil, &ValidationError{Schema: "text", Err: errors.New("response contains malformed JSON")}
}
