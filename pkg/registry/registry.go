// Package registry maps node types to their processors.
package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/protocol"
)

// Registry is an immutable processor table. It is safe for concurrent use.
type Registry struct {
	logger     *slog.Logger
	processors map[models.NodeType]protocol.Processor
}

// NodeTypeInfo describes a registered processor for catalogs and editors.
type NodeTypeInfo struct {
	Type        models.NodeType `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      map[string]any  `json:"schema"`
}

// NewRegistry builds the table. Registering two processors for one node type
// is a programming error and panics.
func NewRegistry(log *slog.Logger, processors ...protocol.Processor) *Registry {
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		logger:     log,
		processors: make(map[models.NodeType]protocol.Processor, len(processors)),
	}

	for _, processor := range processors {
		if _, exists := r.processors[processor.Type()]; exists {
			panic(fmt.Sprintf("processor for node type %q registered twice", processor.Type()))
		}

		r.processors[processor.Type()] = processor
		r.logger.Debug("registered node processor", "type", processor.Type(), "name", processor.Name())
	}

	return r
}

// Get returns the processor for a node type or a configuration error.
func (r *Registry) Get(nodeType models.NodeType) (protocol.Processor, error) {
	processor, ok := r.processors[nodeType]
	if !ok {
		return nil, flowerr.Configuration("registry.Get", string(nodeType), flowerr.ErrUnknownNodeType)
	}

	return processor, nil
}

// Types lists the registered node types in order.
func (r *Registry) Types() []models.NodeType {
	types := make([]models.NodeType, 0, len(r.processors))
	for nodeType := range r.processors {
		types = append(types, nodeType)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// Describe returns catalog entries for every registered processor.
func (r *Registry) Describe() []NodeTypeInfo {
	infos := make([]NodeTypeInfo, 0, len(r.processors))

	for _, nodeType := range r.Types() {
		processor := r.processors[nodeType]
		infos = append(infos, NodeTypeInfo{
			Type:        nodeType,
			Name:        processor.Name(),
			Description: processor.Description(),
			Schema:      processor.Schema(),
		})
	}

	return infos
}
