package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const offerRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["referenceId", "token"],
  "properties": {
    "referenceId": {"type": "string", "minLength": 1, "maxLength": 256},
    "token": {"type": "string", "maxLength": 8192}
  }
}`

const signRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["referenceId", "changes", "token"],
  "properties": {
    "referenceId": {"type": "string", "minLength": 1, "maxLength": 256},
    "changes": {"type": "integer", "minimum": 1, "maximum": 9007199254740991},
    "token": {"type": "string", "maxLength": 8192}
  }
}`

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://upsellflow.local/schemas/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("api: load schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("api: compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// decode reads a bounded JSON body, validates it against schema and then decodes it
// strictly into dst. Returned errors are safe to show to the client.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return errors.New("could not read request body")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.New("invalid JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid request: %s", schemaMessage(err))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request")
	}
	return nil
}

// schemaMessage reports the first leaf failure of a validation error.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "schema validation failed"
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return fmt.Sprintf("%s: %s", loc, ve.Message)
}
