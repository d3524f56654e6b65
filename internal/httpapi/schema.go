package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const webhookSchemaBase = "https://relaycrm.schemas.local/"

// Pushed field values are scalars or null.
const fieldValueSchema = `{"type": ["string", "number", "boolean", "null"]}`

var webhookSchemas = map[string]string{
	"webhook.schema.json": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "customerId": {"type": "string", "minLength": 1},
    "userId": {"type": "string", "minLength": 1},
    "externalId": {"type": ["string", "number"]},
    "externalContactId": {"type": ["string", "number"]},
    "deleted": {"type": "boolean"},
    "externalContactDeleted": {"type": "boolean"},
    "data": {"$ref": "record.schema.json"}
  },
  "allOf": [
    {"anyOf": [{"required": ["customerId"]}, {"required": ["userId"]}]},
    {"anyOf": [{"required": ["externalId"]}, {"required": ["externalContactId"]}]}
  ]
}`,
	"webhooks.schema.json": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["customerId", "data"],
  "properties": {
    "customerId": {"type": "string", "minLength": 1},
    "deleted": {"type": "boolean"},
    "data": {
      "allOf": [
        {"$ref": "record.schema.json"},
        {"type": "object", "required": ["id"]}
      ]
    }
  }
}`,
	"record.schema.json": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "id": {"type": ["string", "number"]},
    "name": {"type": ["string", "null"]},
    "fields": {
      "type": ["object", "null"],
      "additionalProperties": ` + fieldValueSchema + `
    },
    "createdTime": {"type": ["string", "number", "null"]},
    "updatedTime": {"type": ["string", "number", "null"]},
    "uri": {"type": ["string", "null"]}
  }
}`,
}

type payloadValidator struct {
	webhook  *jsonschema.Schema
	webhooks *jsonschema.Schema
}

func newPayloadValidator() (*payloadValidator, error) {
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	for name, raw := range webhookSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := c.AddResource(webhookSchemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
	}
	webhook, err := c.Compile(webhookSchemaBase + "webhook.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	webhooks, err := c.Compile(webhookSchemaBase + "webhooks.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile webhooks schema: %w", err)
	}
	return &payloadValidator{webhook: webhook, webhooks: webhooks}, nil
}

func (v *payloadValidator) validate(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("payload does not match schema: %s", firstCause(verr))
		}
		return err
	}
	return nil
}

// firstCause reports the deepest leaf error, which names the offending path.
func firstCause(err *jsonschema.ValidationError) string {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	location := "/" + strings.Join(err.InstanceLocation, "/")
	return fmt.Sprintf("%s: %s", location, strings.Join(err.ErrorKind.KeywordPath(), "/"))
}
