package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// schemas compiles each processor's content schema once.
type schemas struct {
	mu       sync.Mutex
	compiled map[models.NodeType]*gojsonschema.Schema
}

func newSchemas() *schemas {
	return &schemas{compiled: map[models.NodeType]*gojsonschema.Schema{}}
}

func (s *schemas) get(processor protocol.Processor) (*gojsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schema, ok := s.compiled[processor.Type()]; ok {
		return schema, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(processor.Schema()))
	if err != nil {
		return nil, fmt.Errorf("content schema of %s nodes: %w", processor.Type(), err)
	}

	s.compiled[processor.Type()] = schema

	return schema, nil
}

// check validates the node's content document against the processor schema.
func (s *schemas) check(processor protocol.Processor, node *models.Node) error {
	schema, err := s.get(processor)
	if err != nil {
		return err
	}

	document, err := node.RawContent()
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("content does not match schema: %s", strings.Join(errors, "; "))
	}

	return nil
}

// checkSchemaDocument reports whether document is a usable JSON schema.
func checkSchemaDocument(document map[string]any) error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(document))

	return err
}

// CheckInput validates the initial state of a session against the contract's
// input schema. Problems are returned as warnings; the session still starts.
func (g *Graph) CheckInput(input map[string]any) []string {
	if g.contract.InputSchema == nil {
		return nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(g.contract.InputSchema))
	if err != nil {
		return []string{err.Error()}
	}

	if input == nil {
		input = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return []string{err.Error()}
	}

	warnings := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		warnings = append(warnings, desc.String())
	}

	return warnings
}
