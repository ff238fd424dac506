package proxy

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// pushSchema validates the push request envelope before it is decoded.
// Payload data is base64 inside JSON; content stays opaque to the core.
const pushSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["namespace", "user_id", "public_key", "events"],
	"properties": {
		"namespace":  {"type": "string", "minLength": 1},
		"user_id":    {"type": "string", "minLength": 1},
		"public_key": {"type": "string", "minLength": 1},
		"events": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["seq", "origin", "timestamp", "payload"],
				"properties": {
					"seq":       {"type": "integer", "minimum": 1},
					"origin":    {"enum": ["client", "server"]},
					"timestamp": {"type": "string"},
					"payload": {
						"type": "object",
						"required": ["version", "data"],
						"properties": {
							"version": {"type": "integer", "minimum": 1},
							"data":    {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

// compilePushSchema builds the validator once at server construction.
func compilePushSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(pushSchema)))
	if err != nil {
		return nil, fmt.Errorf("parsing push schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("push.json", doc); err != nil {
		return nil, fmt.Errorf("registering push schema: %w", err)
	}
	sch, err := c.Compile("push.json")
	if err != nil {
		return nil, fmt.Errorf("compiling push schema: %w", err)
	}
	return sch, nil
}

// validatePush checks a raw push body against the schema.
func validatePush(sch *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return sch.Validate(inst)
}
