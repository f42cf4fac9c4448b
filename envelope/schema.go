package envelope

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://scadaflow.local/schemas/envelope.json"

var compiled = mustCompile()

func mustCompile() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("envelope: add schema: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("envelope: compile schema: %v", err))
	}
	return s
}

// Schema returns the JSON Schema document envelopes are checked against.
func Schema() string {
	return schemaJSON
}

// Decode parses and validates a raw payload.
//
// A payload that is not JSON yields an error wrapping ErrMalformed. A payload
// that is JSON but violates a rule yields a *ValidationError.
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := compiled.Validate(raw); err != nil {
		var se *jsonschema.ValidationError
		if errors.As(err, &se) {
			return Envelope{}, fromSchemaError(se)
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// fromSchemaError flattens the leaf causes of a schema error into issues.
func fromSchemaError(se *jsonschema.ValidationError) *ValidationError {
	ve := &ValidationError{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			ve.Issues = append(ve.Issues, Issue{Field: fieldName(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(se)
	sort.SliceStable(ve.Issues, func(i, j int) bool { return ve.Issues[i].Field < ve.Issues[j].Field })
	return ve
}

func fieldName(loc string) string {
	loc = strings.TrimPrefix(loc, "/")
	if loc == "" {
		return "(root)"
	}
	return strings.ReplaceAll(loc, "/", ".")
}
