package relaychat

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const frameSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["user", "message"],
  "properties": {
    "user": {"type": "string"},
    "message": {"type": "string"},
    "channel": {"type": ["string", "null"]}
  }
}`

const querySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "since_id": {"type": ["integer", "null"], "minimum": 0},
    "sender": {"type": ["string", "null"]},
    "from_user": {"type": ["string", "null"]},
    "channels": {"type": ["array", "null"], "items": {"type": "string"}},
    "mention_only": {"type": ["boolean", "null"]},
    "dm_only": {"type": ["boolean", "null"]},
    "content_regex": {"type": ["string", "null"]},
    "before": {"type": ["string", "null"]},
    "after": {"type": ["string", "null"]},
    "sort": {"enum": ["asc", "desc", null]},
    "limit": {"type": ["integer", "null"], "minimum": 1, "maximum": 1000},
    "user": {"type": ["string", "null"]},
    "participant": {"type": ["string", "null"]}
  }
}`

var schemas struct {
	once  sync.Once
	frame *jsonschema.Schema
	query *jsonschema.Schema
}

func loadSchemas() {
	schemas.once.Do(func() {
		schemas.frame = mustCompileSchema("frame.json", frameSchemaJSON)
		schemas.query = mustCompileSchema("query.json", querySchemaJSON)
	})
}

func mustCompileSchema(name, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("parse %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return schema
}

func validateFrameJSON(data []byte) error {
	loadSchemas()
	return validateAgainst(schemas.frame, data)
}

func validateQueryJSON(data []byte) error {
	loadSchemas()
	return validateAgainst(schemas.query, data)
}

func validateAgainst(schema *jsonschema.Schema, data []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
