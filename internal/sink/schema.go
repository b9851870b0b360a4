package sink

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
)

// requiredFields lists the payload fields the backend relies on per kind.
var requiredFields = map[event.Kind][]string{
	event.KindGroupCreated:       {"group", "creator"},
	event.KindMemberJoined:       {"group", "member"},
	event.KindContributionMade:   {"group", "contributor", "amount"},
	event.KindGracePeriodStarted: {"group", "member", "grace_until"},
	event.KindMemberSlashed:      {"group", "member", "slash_amount"},
	event.KindPayoutReleased:     {"group", "recipient", "net_amount"},
	event.KindGroupFinalized:     {"group", "final_trust_score"},
}

// SchemaValidator checks payloads against a per-kind JSON Schema. Payload
// shape is owned by the on-chain programs, so violations are reported,
// never used to drop events.
type SchemaValidator struct {
	schemas map[event.Kind]*jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	v := &SchemaValidator{schemas: make(map[event.Kind]*jsonschema.Schema, len(requiredFields))}
	for kind, fields := range requiredFields {
		url := "https://oseme.local/schemas/" + kind.String() + ".json"
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(url, strings.NewReader(schemaDocument(fields))); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// Validate returns nil for kinds without a schema.
func (v *SchemaValidator) Validate(kind event.Kind, payload map[string]any) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return nil
	}
	var doc any = map[string]any{}
	if payload != nil {
		doc = payload
	}
	return schema.Validate(doc)
}

func schemaDocument(required []string) string {
	props := make(map[string]any, len(required))
	for _, f := range required {
		switch {
		case f == "group" || f == "creator" || f == "member" || f == "contributor" || f == "recipient":
			props[f] = map[string]any{"type": "string", "minLength": 1}
		default:
			props[f] = map[string]any{"type": []string{"integer", "number", "string"}}
		}
	}
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"required":   required,
		"properties": props,
	}
	out, _ := json.Marshal(doc)
	return string(out)
}
