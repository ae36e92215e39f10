// Package graph compiles flows into immutable, validated graphs.
package graph

import (
	"github.com/dukex/chatflow/pkg/models"
)

type edge struct {
	source string
	kind   models.ConnectionKind
}

// Graph is a compiled flow. It is immutable and safe for concurrent use.
type Graph struct {
	flowID     string
	version    int
	entry      string
	contract   models.Contract
	order      []string
	nodes      map[string]*models.Node
	edges      map[edge]string
	subgraphs  map[string]*Graph
	references []string
}

func (g *Graph) FlowID() string {
	return g.flowID
}

func (g *Graph) Version() int {
	return g.version
}

func (g *Graph) Contract() models.Contract {
	return g.contract
}

// Entry returns the id of the node a session starts at.
func (g *Graph) Entry() string {
	return g.entry
}

func (g *Graph) Node(id string) (*models.Node, bool) {
	node, ok := g.nodes[id]

	return node, ok
}

// Nodes returns the node ids in declaration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Next returns the target of the connection of the given kind leaving node id.
// Kinds other than failure and error fall back to the default connection. A
// fallback with no fallback connection takes the failure connection first.
func (g *Graph) Next(id string, kind models.ConnectionKind) (string, bool) {
	if target, ok := g.edges[edge{source: id, kind: kind}]; ok {
		return target, true
	}

	if kind.IsErrorPath() || kind == models.ConnectionDefault {
		return "", false
	}

	if kind == models.ConnectionFallback {
		if target, ok := g.edges[edge{source: id, kind: models.ConnectionFailure}]; ok {
			return target, true
		}
	}

	target, ok := g.edges[edge{source: id, kind: models.ConnectionDefault}]

	return target, ok
}

// HasConnection reports whether node id declares a connection of exactly this kind.
func (g *Graph) HasConnection(id string, kind models.ConnectionKind) bool {
	_, ok := g.edges[edge{source: id, kind: kind}]

	return ok
}

// Subgraph returns the compiled flow embedded in a composite node.
func (g *Graph) Subgraph(compositeNodeID string) (*Graph, bool) {
	sub, ok := g.subgraphs[compositeNodeID]

	return sub, ok
}

// References lists the published flows that composite nodes of this graph,
// or of its embedded sub-graphs, descend into.
func (g *Graph) References() []string {
	return append([]string(nil), g.references...)
}
