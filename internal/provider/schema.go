package provider

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vocalbridge/gateway/internal/model"
)

// ValidateAgainstSchema compiles schemaJSON and validates payload against it,
// returning a non-retryable *model.CallError with PROVIDER_SCHEMA_ERROR on
// mismatch, carrying the raw payload for diagnosis (spec.md §4.2).
func ValidateAgainstSchema(schemaJSON []byte, payload []byte) error {
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return &model.CallError{
			Code:      model.ErrSchemaInvalid,
			Message:   fmt.Sprintf("malformed vendor schema: %v", err),
			Retryable: false,
			RawPayload: payload,
		}
	}

	var payloadDoc any
	if err := json.Unmarshal(payload, &payloadDoc); err != nil {
		return &model.CallError{
			Code:       model.ErrSchemaInvalid,
			Message:    fmt.Sprintf("vendor response is not valid JSON: %v", err),
			Retryable:  false,
			RawPayload: payload,
		}
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("vendor-response.json", schemaDoc); err != nil {
		return &model.CallError{
			Code:       model.ErrSchemaInvalid,
			Message:    fmt.Sprintf("add schema resource: %v", err),
			Retryable:  false,
			RawPayload: payload,
		}
	}
	schema, err := c.Compile("vendor-response.json")
	if err != nil {
		return &model.CallError{
			Code:       model.ErrSchemaInvalid,
			Message:    fmt.Sprintf("compile vendor schema: %v", err),
			Retryable:  false,
			RawPayload: payload,
		}
	}

	if err := schema.Validate(payloadDoc); err != nil {
		return &model.CallError{
			Code:       model.ErrSchemaInvalid,
			Message:    fmt.Sprintf("vendor response failed schema validation: %v", err),
			Retryable:  false,
			RawPayload: payload,
		}
	}
	return nil
}

// ResponseSchema is the declared shape every mock vendor's raw payload must
// satisfy before translation into model.Response.
var ResponseSchema = []byte(`{
	"type": "object",
	"required": ["content", "tokensIn", "tokensOut"],
	"properties": {
		"content": {"type": "string"},
		"tokensIn": {"type": "integer", "minimum": 0},
		"tokensOut": {"type": "integer", "minimum": 0},
		"toolCalls": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name"],
				"properties": {
					"id": {"type": "string"},
					"name": {"type": "string"},
					"args": {}
				}
			}
		}
	}
}`)
