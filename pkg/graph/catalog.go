package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	gocache "github.com/patrickmn/go-cache"
)

const (
	DefaultCacheTTL = 10 * time.Minute
	cachePurge      = 30 * time.Minute
)

var (
	ErrFlowNotPublished = errors.New("flow is not published")
	ErrUnknownSubgraph  = errors.New("composite node embeds no flow")
)

// Catalog serves compiled graphs of published flows. Published flows are
// immutable, so compiled graphs are cached by flow id.
type Catalog struct {
	logger   *slog.Logger
	flows    persistence.FlowRepository
	compiler *Compiler
	graphs   *gocache.Cache
	now      func() time.Time
}

func NewCatalog(log *slog.Logger, flows persistence.FlowRepository, compiler *Compiler, ttl time.Duration) *Catalog {
	if log == nil {
		log = slog.Default()
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Catalog{
		logger:   log.With("module", "catalog"),
		flows:    flows,
		compiler: compiler,
		graphs:   gocache.New(ttl, cachePurge),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Graph returns the compiled graph of a published flow. Ids built with
// models.EmbeddedFlowID resolve to the sub-graph of the named composite node.
func (c *Catalog) Graph(ctx context.Context, flowID string) (*Graph, error) {
	if idx := strings.LastIndex(flowID, "#"); idx >= 0 {
		parentID, nodeID := flowID[:idx], flowID[idx+1:]

		parent, err := c.Graph(ctx, parentID)
		if err != nil {
			return nil, err
		}

		sub, ok := parent.Subgraph(nodeID)
		if !ok {
			return nil, flowerr.Configuration("Catalog.Graph", flowID, ErrUnknownSubgraph)
		}

		return sub, nil
	}

	if cached, found := c.graphs.Get(flowID); found {
		if graph, ok := cached.(*Graph); ok {
			return graph, nil
		}
	}

	flow, err := c.flows.FlowByID(ctx, flowID)
	if err != nil {
		return nil, flowerr.Configuration("Catalog.Graph", flowID, err)
	}

	if !flow.IsPublished() {
		return nil, flowerr.Configuration("Catalog.Graph", flowID, ErrFlowNotPublished)
	}

	graph, _, err := c.compiler.Compile(flow)
	if err != nil {
		return nil, err
	}

	c.graphs.Set(flowID, graph, gocache.DefaultExpiration)

	return graph, nil
}

// Validate compiles flow and checks that every flow it references is published.
func (c *Catalog) Validate(ctx context.Context, flow *models.Flow) (*Graph, *Report, error) {
	graph, report, err := c.compiler.Compile(flow)
	if err != nil {
		return nil, report, err
	}

	for _, ref := range graph.References() {
		if ref == flow.ID {
			continue
		}

		referenced, err := c.flows.FlowByID(ctx, ref)

		switch {
		case persistence.IsFlowNotFound(err):
			report.errorf(flow.ID, "", "referenced flow %q does not exist", ref)
		case err != nil:
			return nil, report, fmt.Errorf("loading referenced flow %s: %w", ref, err)
		case !referenced.IsPublished():
			report.errorf(flow.ID, "", "referenced flow %q is not published", ref)
		}
	}

	if !report.Valid() {
		return nil, report, report.Err()
	}

	return graph, report, nil
}

// Publish validates flow, marks it published and stores it. A flow id can be
// published once; later edits need a new id.
func (c *Catalog) Publish(ctx context.Context, flow *models.Flow) (*Graph, *Report, error) {
	graph, report, err := c.Validate(ctx, flow)
	if err != nil {
		return nil, report, err
	}

	now := c.now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now
	flow.PublishedAt = &now

	if err := c.flows.SaveFlow(ctx, flow); err != nil {
		flow.PublishedAt = nil

		return nil, report, err
	}

	c.graphs.Set(flow.ID, graph, gocache.DefaultExpiration)

	c.logger.InfoContext(ctx, "flow published",
		"flow_id", flow.ID,
		"version", flow.Version,
		"nodes", len(flow.Nodes),
		"warnings", len(report.Warnings))

	return graph, report, nil
}

// SaveDraft validates flow and stores it unpublished. Drafts may reference
// unpublished flows and may carry warnings, but not errors.
func (c *Catalog) SaveDraft(ctx context.Context, flow *models.Flow) (*Report, error) {
	_, report, err := c.compiler.Compile(flow)
	if err != nil {
		return report, err
	}

	now := c.now()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	flow.UpdatedAt = now
	flow.PublishedAt = nil

	return report, c.flows.SaveFlow(ctx, flow)
}

// Flow returns the stored flow definition.
func (c *Catalog) Flow(ctx context.Context, flowID string) (*models.Flow, error) {
	return c.flows.FlowByID(ctx, flowID)
}
