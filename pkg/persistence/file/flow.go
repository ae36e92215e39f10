package file

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	mu  sync.Mutex
	dir string
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(root string) *FlowRepository {
	return &FlowRepository{dir: filepath.Join(root, "flows")}
}

func (r *FlowRepository) FlowByID(_ context.Context, id string) (*models.Flow, error) {
	var flow models.Flow

	found, err := readJSON(filepath.Join(r.dir, fileName(id)), &flow)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
	}

	return &flow, nil
}

// Flows returns every stored flow, newest first.
func (r *FlowRepository) Flows(_ context.Context) ([]*models.Flow, error) {
	paths, err := listJSON(r.dir)
	if err != nil {
		return nil, err
	}

	flows := make([]*models.Flow, 0, len(paths))

	for _, path := range paths {
		var flow models.Flow

		found, err := readJSON(path, &flow)
		if err != nil {
			return nil, err
		}

		if found {
			flows = append(flows, &flow)
		}
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})

	return flows, nil
}

// SaveFlow writes flow unless a published flow with the same id exists.
func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.FlowByID(ctx, flow.ID)

	switch {
	case err == nil && existing.IsPublished():
		return persistence.NewFlowError("SaveFlow", flow.ID, persistence.ErrFlowPublished)
	case err != nil && !persistence.IsFlowNotFound(err):
		return fmt.Errorf("failed to check existing flow: %w", err)
	}

	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	if flow.UpdatedAt.IsZero() {
		flow.UpdatedAt = now
	}

	return writeJSON(filepath.Join(r.dir, fileName(flow.ID)), flow)
}
