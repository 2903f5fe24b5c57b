// Package schema provides JSON schema validation for the documents the agent exchanges:
// the outgoing incidence payload and the control API request bodies.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Document names.
const (
	DocIncidence   = "incidence.create"   // POST /api/incidences body
	DocPhotoImport = "control.photo"      // Photo import request
	DocSubmit      = "control.submit"     // Submission request
	DocAIConfirm   = "control.ai.confirm" // AI confirmation request
	DocNFCTag      = "control.nfc.tag"    // Tag delivered to the push-fed NFC reader
)

// SchemaVersions maps document names to the version of their schema.
var SchemaVersions = map[string]string{
	DocIncidence:   "1.0.0",
	DocPhotoImport: "1.0.0",
	DocSubmit:      "1.0.0",
	DocAIConfirm:   "1.0.0",
	DocNFCTag:      "1.0.0",
}

var documents = map[string]string{
	DocIncidence: `{
		"type":"object",
		"required":["state","incidenceType","observation","description","resource","image","audio"],
		"properties":{
			"state":{"const":"PENDING"},
			"incidenceType":{"type":"string","minLength":1},
			"observation":{"type":"string"},
			"description":{"type":"string","minLength":1},
			"resource":{"type":["string","null"]},
			"image":{"type":"array","minItems":1,"items":{
				"type":"object",
				"required":["file","name"],
				"properties":{
					"file":{"type":"string","minLength":1},
					"name":{"type":"string"},
					"file_id":{"type":"string"}
				}
			}},
			"audio":{"type":"array"}
		}
	}`,
	DocPhotoImport: `{
		"type":"object",
		"required":["image"],
		"properties":{
			"image":{"type":"string","minLength":1},
			"filename":{"type":"string","maxLength":255},
			"role":{"enum":["","primary","ai","additional"]},
			"mode":{"enum":["","report","retake"]}
		}
	}`,
	DocSubmit: `{
		"type":"object",
		"properties":{
			"description":{"type":"string","maxLength":2048},
			"incidenceType":{"type":"string","maxLength":128}
		}
	}`,
	DocAIConfirm: `{
		"type":"object",
		"required":["stopNumber","description"],
		"properties":{
			"stopNumber":{"type":"string","maxLength":64},
			"description":{"type":"string","maxLength":2048}
		}
	}`,
	DocNFCTag: `{
		"type":"object",
		"required":["records"],
		"properties":{
			"serialNumber":{"type":"string"},
			"records":{"type":"array","items":{
				"type":"object",
				"required":["recordType","data"],
				"properties":{
					"recordType":{"type":"string","minLength":1},
					"data":{"type":"string"}
				}
			}}
		}
	}`,
}

// ValidationError lists why a document does not match its schema.
type ValidationError struct {
	Document string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed: %s", e.Document, strings.Join(e.Problems, "; "))
}

// Validator validates documents against their compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles every known schema.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(documents))}
	for name, doc := range documents {
		if err := v.loadSchema(name, doc); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

func (v *Validator) loadSchema(name, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", name, err)
	}
	v.schemas[name] = schema
	return nil
}

// Validate checks doc, any JSON-marshalable value, against the named schema and
// returns the schema version used. A mismatch yields a *ValidationError.
func (v *Validator) Validate(name string, doc any) (string, error) {
	schema, ok := v.schemas[name]
	if !ok {
		return "", fmt.Errorf("unsupported document: %s", name)
	}

	raw, ok := doc.([]byte)
	if !ok {
		var err error
		if raw, err = json.Marshal(doc); err != nil {
			return "", fmt.Errorf("failed to marshal %s: %w", name, err)
		}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return "", &ValidationError{Document: name, Problems: []string{err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return "", &ValidationError{Document: name, Problems: problems}
	}
	return SchemaVersions[name], nil
}
