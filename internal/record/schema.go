package record

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// typeSchemas holds the JSON schema for structured_data per memory type.
// Types without an entry accept any object.
var typeSchemas = map[MemoryType]string{
	TypeDecision: `{
		"type": "object",
		"properties": {
			"decision": {"type": "string"},
			"rationale": {"type": "string"},
			"alternatives": {"type": "array", "items": {"type": "string"}},
			"status": {"type": "string", "enum": ["proposed", "accepted", "superseded", "deprecated"]}
		},
		"required": ["decision"]
	}`,
	TypeProcedural: `{
		"type": "object",
		"properties": {
			"title": {"type": "string"},
			"steps": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"prerequisites": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["steps"]
	}`,
	TypeError: `{
		"type": "object",
		"properties": {
			"error_type": {"type": "string"},
			"message": {"type": "string"},
			"stack_trace": {"type": "string"},
			"resolution": {"type": "string"}
		},
		"required": ["error_type", "message"]
	}`,
	TypeAPI: `{
		"type": "object",
		"properties": {
			"endpoint": {"type": "string"},
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]},
			"parameters": {"type": "object"}
		},
		"required": ["endpoint"]
	}`,
	TypeTodo: `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["open", "in_progress", "done", "cancelled"]},
			"priority": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
			"due": {"type": "string"}
		}
	}`,
	TypeRelease: `{
		"type": "object",
		"properties": {
			"version": {"type": "string"},
			"changes": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["version"]
	}`,
	TypeReview: `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["pending", "approved", "changes_requested", "rejected"]},
			"reviewer": {"type": "string"}
		},
		"required": ["status"]
	}`,
	TypeSchema: `{
		"type": "object",
		"properties": {
			"name": {"type": "string"},
			"fields": {"type": "array"}
		},
		"required": ["name"]
	}`,
}

var (
	compiledOnce    sync.Once
	compiledSchemas map[MemoryType]*gojsonschema.Schema
	compileErr      error
)

func compiled() (map[MemoryType]*gojsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiledSchemas = make(map[MemoryType]*gojsonschema.Schema, len(typeSchemas))
		for t, src := range typeSchemas {
			s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
			if err != nil {
				compileErr = fmt.Errorf("compiling schema for %s: %w", t, err)
				return
			}
			compiledSchemas[t] = s
		}
	})
	return compiledSchemas, compileErr
}

// ValidateStructuredData checks data against the schema registered for t.
// Empty data is valid for every type.
func ValidateStructuredData(t MemoryType, data map[string]interface{}) error {
	if len(data) == 0 {
		return nil
	}
	schemas, err := compiled()
	if err != nil {
		return err
	}
	schema, ok := schemas[t]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("%w: structured_data: %v", ErrInvalidRecord, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: structured_data for %s: %s", ErrInvalidRecord, t, strings.Join(msgs, "; "))
}
