package graph

import (
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/nodes"
	"github.com/dukex/chatflow/pkg/protocol"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/template"
)

// Compiler validates flows against the registered processors and builds graphs.
type Compiler struct {
	logger   *slog.Logger
	registry *registry.Registry
	deps     protocol.Deps
	schemas  *schemas
}

func NewCompiler(log *slog.Logger, reg *registry.Registry, deps protocol.Deps) *Compiler {
	if log == nil {
		log = slog.Default()
	}

	return &Compiler{
		logger:   log.With("module", "graph"),
		registry: reg,
		deps:     deps,
		schemas:  newSchemas(),
	}
}

// Compile validates flow and builds its graph with default processor dependencies.
func Compile(flow *models.Flow, reg *registry.Registry) (*Graph, *Report, error) {
	return NewCompiler(nil, reg, protocol.Deps{}).Compile(flow)
}

// Compile validates flow and builds its graph. The report carries warnings
// even when compilation succeeds; on failure the error lists every blocking issue.
func (c *Compiler) Compile(flow *models.Flow) (*Graph, *Report, error) {
	report := &Report{}

	if flow == nil {
		report.errorf("", "", "flow is nil")

		return nil, report, report.Err()
	}

	if err := c.deps.Validate().StructExcept(flow, "Nodes"); err != nil {
		report.errorf(flow.ID, "", "%v", err)
	}

	if strings.Contains(flow.ID, "#") {
		report.errorf(flow.ID, "", "flow id must not contain '#'")
	}

	if flow.Contract.InputSchema != nil {
		if err := checkSchemaDocument(flow.Contract.InputSchema); err != nil {
			report.errorf(flow.ID, "", "contract input schema: %v", err)
		}
	}

	graph := c.build(flow.ID, flow.EntryNodeID, flow.Nodes, flow.Connections, report)
	graph.version = flow.Version
	graph.contract = flow.Contract

	for _, issue := range report.Warnings {
		c.logger.Debug("flow warning", "flow_id", issue.FlowID, "node_id", issue.NodeID, "warning", issue.Message)
	}

	if !report.Valid() {
		return nil, report, report.Err()
	}

	return graph, report, nil
}

func (c *Compiler) build(flowID, entry string, members []models.Node, connections []models.Connection, report *Report) *Graph {
	graph := &Graph{
		flowID:    flowID,
		entry:     entry,
		nodes:     make(map[string]*models.Node, len(members)),
		edges:     make(map[edge]string, len(connections)),
		subgraphs: map[string]*Graph{},
	}

	if len(members) == 0 {
		report.errorf(flowID, "", "flow has no nodes")
	}

	members = slices.Clone(members)

	for i := range members {
		node := &members[i]

		if node.ID == "" {
			report.errorf(flowID, "", "node %d has no id", i)

			continue
		}

		if _, exists := graph.nodes[node.ID]; exists {
			report.errorf(flowID, node.ID, "duplicate node id")

			continue
		}

		graph.nodes[node.ID] = node
		graph.order = append(graph.order, node.ID)

		c.checkNode(flowID, node, report)
		c.buildComposite(graph, node, report)
	}

	if _, ok := graph.nodes[entry]; !ok {
		report.errorf(flowID, "", "entry node %q does not exist", entry)
	}

	for _, conn := range connections {
		if !conn.Kind.Valid() {
			report.errorf(flowID, conn.Source, "unknown connection kind %q", conn.Kind)

			continue
		}

		if _, ok := graph.nodes[conn.Source]; !ok {
			report.errorf(flowID, conn.Source, "connection source %q does not exist", conn.Source)

			continue
		}

		if _, ok := graph.nodes[conn.Target]; !ok {
			report.errorf(flowID, conn.Source, "connection %s targets missing node %q", conn.Kind, conn.Target)

			continue
		}

		key := edge{source: conn.Source, kind: conn.Kind}
		if existing, dup := graph.edges[key]; dup {
			report.errorf(flowID, conn.Source, "connection %s declared twice (to %q and %q)", conn.Kind, existing, conn.Target)

			continue
		}

		graph.edges[key] = conn.Target
	}

	c.checkConnections(graph, report)
	checkReachability(graph, report)

	return graph
}

func (c *Compiler) checkNode(flowID string, node *models.Node, report *Report) {
	processor, err := c.registry.Get(node.Type)
	if err != nil {
		report.errorf(flowID, node.ID, "unknown node type %q", node.Type)

		return
	}

	if node.Content == nil {
		report.errorf(flowID, node.ID, "node has no content")

		return
	}

	if node.Content.NodeType() != node.Type {
		report.errorf(flowID, node.ID, "content of type %s does not match node type %s", node.Content.NodeType(), node.Type)

		return
	}

	if err := c.schemas.check(processor, node); err != nil {
		report.errorf(flowID, node.ID, "%v", err)

		return
	}

	if err := c.deps.Validate().Struct(node); err != nil {
		report.errorf(flowID, node.ID, "%v", err)

		return
	}

	if err := processor.Validate(node, c.deps); err != nil {
		report.errorf(flowID, node.ID, "%v", err)

		return
	}

	checkReferences(flowID, node, report)
}

func (c *Compiler) buildComposite(graph *Graph, node *models.Node, report *Report) {
	content, ok := node.Content.(*models.CompositeContent)
	if !ok {
		return
	}

	if content.FlowID != "" {
		if !slices.Contains(graph.references, content.FlowID) {
			graph.references = append(graph.references, content.FlowID)
		}

		return
	}

	if content.Flow == nil {
		return
	}

	embedded := content.Flow
	sub := c.build(models.EmbeddedFlowID(graph.flowID, node.ID), embedded.EntryNodeID, embedded.Nodes, embedded.Connections, report)
	graph.subgraphs[node.ID] = sub

	for _, ref := range sub.references {
		if !slices.Contains(graph.references, ref) {
			graph.references = append(graph.references, ref)
		}
	}
}

// checkConnections warns when a branching node lacks a connection it may
// select and no default covers it, and when a connection can never be selected.
func (c *Compiler) checkConnections(graph *Graph, report *Report) {
	for _, id := range graph.order {
		node := graph.nodes[id]

		processor, err := c.registry.Get(node.Type)
		if err != nil || node.Content == nil {
			continue
		}

		declared := processor.Connections(node)

		if len(declared) > 1 {
			for _, kind := range declared {
				if _, ok := graph.Next(id, kind); ok {
					continue
				}

				if kind.IsErrorPath() {
					report.warnf(graph.flowID, id, "no %s connection; failures end the interaction with an error", kind)
				} else {
					report.warnf(graph.flowID, id, "no %s connection and no default connection", kind)
				}
			}
		}

		for key := range graph.edges {
			if key.source != id || key.kind == models.ConnectionDefault || slices.Contains(declared, key.kind) {
				continue
			}

			report.warnf(graph.flowID, id, "%s connection is never selected by a %s node", key.kind, node.Type)
		}
	}
}

func checkReachability(graph *Graph, report *Report) {
	if _, ok := graph.nodes[graph.entry]; !ok {
		return
	}

	reached := map[string]bool{graph.entry: true}
	queue := []string{graph.entry}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for key, target := range graph.edges {
			if key.source == current && !reached[target] {
				reached[target] = true
				queue = append(queue, target)
			}
		}
	}

	for _, id := range graph.order {
		if !reached[id] {
			report.warnf(graph.flowID, id, "node is unreachable from the entry node")
		}
	}
}

// checkReferences warns about template references outside the known scopes.
func checkReferences(flowID string, node *models.Node, report *Report) {
	document, err := node.RawContent()
	if err != nil {
		return
	}

	for _, key := range nodes.SortedKeys(document) {
		if key == "flow" || key == "code" {
			continue
		}

		walkStrings(document[key], func(text string) {
			if !template.HasReferences(text) {
				return
			}

			unknown, err := template.ValidateReferences(text)
			if err != nil {
				report.warnf(flowID, node.ID, "%s: %v", key, err)

				return
			}

			for _, ref := range unknown {
				report.warnf(flowID, node.ID, "%s: reference {{%s}} is outside the known scopes", key, ref)
			}
		})
	}
}

func walkStrings(value any, visit func(string)) {
	switch v := value.(type) {
	case string:
		visit(v)
	case []any:
		for _, item := range v {
			walkStrings(item, visit)
		}
	case map[string]any:
		for _, key := range nodes.SortedKeys(v) {
			walkStrings(v[key], visit)
		}
	}
}
