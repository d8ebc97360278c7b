// Package payload validates and canonicalizes outbound message bodies.
package payload

import (
	"errors"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind selects how a payload is prepared before publishing.
type Kind string

const (
	KindText Kind = "text"
	KindJSON Kind = "json"
)

// DefaultSchema accepts any JSON object.
const DefaultSchema = `{"type":"object"}`

const schemaURL = "mem://mqttconsole/payload.schema.json"

var (
	// ErrInvalid is returned when a JSON payload fails to parse or validate.
	ErrInvalid = errors.New("invalid payload")

	// ErrUnknownKind is returned for a kind other than text or json.
	ErrUnknownKind = errors.New("unknown payload kind")
)

// canonical encodes with sorted object keys, literal '<', '>' and '&', and
// numbers written exactly as they were parsed.
var canonical = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// ParseKind maps a user supplied string to a Kind. The empty string is text.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindText, "":
		return KindText, nil
	case KindJSON:
		return KindJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Validator prepares payloads for publishing.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles schema, a JSON Schema document. An empty schema
// uses DefaultSchema.
func NewValidator(schema string) (*Validator, error) {
	if strings.TrimSpace(schema) == "" {
		schema = DefaultSchema
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse payload schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}

	return &Validator{schema: compiled}, nil
}

// NewValidatorFromFile is NewValidator with the schema read from path.
// An empty path uses DefaultSchema.
func NewValidatorFromFile(path string) (*Validator, error) {
	if path == "" {
		return NewValidator("")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload schema: %w", err)
	}
	return NewValidator(string(b))
}

// Prepare returns the string to transmit for payload of the given kind.
// Text is returned verbatim; JSON goes through Canonicalize.
func (v *Validator) Prepare(kind Kind, payload string) (string, error) {
	switch kind {
	case KindText:
		return payload, nil
	case KindJSON:
		return v.Canonicalize(payload)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Canonicalize parses payload, validates it against the schema and
// re-serializes it compactly with sorted keys.
func (v *Validator) Canonicalize(payload string) (string, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := v.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return "", fmt.Errorf("%w: %s", ErrInvalid, describe(verr))
		}
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	out, err := canonical.MarshalToString(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

// describe flattens a validation error to its first leaf cause on one line.
func describe(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return strings.Join(strings.Fields(verr.Error()), " ")
}
