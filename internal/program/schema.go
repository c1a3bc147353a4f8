package program

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://aoi.edge/schema/program-v1.schema.json"

//go:embed schema/program-v1.schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func programSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add program schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// Decode parses a program document exported from another unit, checking
// it against the program schema before the id invariants.
func Decode(data []byte) (*Program, error) {
	schema, err := programSchema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}

	p, err := decode(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	if _, err := CleanName(p.Name); err != nil {
		return nil, err
	}
	for i := range p.Refs {
		p.Refs[i].Type = TypeRef
	}
	for i := range p.Points {
		p.Points[i].Type = TypeInspect
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
