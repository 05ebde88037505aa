package store

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// recordCreateSchema is the wire contract for externally submitted records.
// Everything lifecycle-related (status, message coordinates, reactions) is
// engine-owned and rejected at the boundary.
const recordCreateSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title", "author"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"author": {"type": "string", "minLength": 1},
		"additionalInfo": {"type": "string"},
		"roamId": {"type": "string"},
		"roamDetails": {"type": "string"}
	},
	"additionalProperties": false
}`

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(recordCreateSchema)))
		if err != nil {
			recordSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("record-create.json", doc); err != nil {
			recordSchemaErr = err
			return
		}
		recordSchema, recordSchemaErr = compiler.Compile("record-create.json")
	})
	return recordSchema, recordSchemaErr
}

// ValidateCreatePayload checks a raw record-creation body against the wire
// contract before it is decoded into a Record.
func ValidateCreatePayload(payload []byte) error {
	schema, err := compiledRecordSchema()
	if err != nil {
		return fmt.Errorf("record schema unavailable: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
