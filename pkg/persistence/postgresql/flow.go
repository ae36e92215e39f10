package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewFlowRepository creates a new flow repository.
func NewFlowRepository(db *sql.DB, logger *slog.Logger) *FlowRepository {
	return &FlowRepository{db: db, logger: logger}
}

const flowColumns = `
			id
		  , version
		  , name
		  , entry_node_id
		  , nodes
		  , connections
		  , contract
		  , created_at
		  , updated_at
		  , published_at`

// Flows returns every stored flow, newest first.
func (r *FlowRepository) Flows(ctx context.Context) ([]*models.Flow, error) {
	query := `SELECT` + flowColumns + `
		FROM flows
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `SELECT` + flowColumns + `
		FROM flows
		WHERE id = $1
	`

	flow, err := scanFlow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewFlowError("FlowByID", id, persistence.ErrFlowNotFound)
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	return flow, nil
}

// SaveFlow upserts a flow. The update is skipped when the stored row is
// already published, which surfaces as ErrFlowPublished.
func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.Flow) error {
	now := time.Now().UTC()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}

	if flow.UpdatedAt.IsZero() {
		flow.UpdatedAt = now
	}

	nodesJSON, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}

	connections := flow.Connections
	if connections == nil {
		connections = []models.Connection{}
	}

	connectionsJSON, err := json.Marshal(connections)
	if err != nil {
		return fmt.Errorf("failed to marshal connections: %w", err)
	}

	contractJSON, err := json.Marshal(flow.Contract)
	if err != nil {
		return fmt.Errorf("failed to marshal contract: %w", err)
	}

	query := `
		INSERT INTO flows (id, version, name, entry_node_id, nodes, connections, contract, created_at, updated_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			name = EXCLUDED.name,
			entry_node_id = EXCLUDED.entry_node_id,
			nodes = EXCLUDED.nodes,
			connections = EXCLUDED.connections,
			contract = EXCLUDED.contract,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at
		WHERE flows.published_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query,
		flow.ID,
		flow.Version,
		flow.Name,
		flow.EntryNodeID,
		nodesJSON,
		connectionsJSON,
		contractJSON,
		flow.CreatedAt,
		flow.UpdatedAt,
		flow.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewFlowError("SaveFlow", flow.ID, persistence.ErrFlowPublished)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(row scanner) (*models.Flow, error) {
	var (
		flow                                     models.Flow
		nodesJSON, connectionsJSON, contractJSON []byte
		publishedAt                              sql.NullTime
	)

	err := row.Scan(
		&flow.ID,
		&flow.Version,
		&flow.Name,
		&flow.EntryNodeID,
		&nodesJSON,
		&connectionsJSON,
		&contractJSON,
		&flow.CreatedAt,
		&flow.UpdatedAt,
		&publishedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(nodesJSON, &flow.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes of flow %s: %w", flow.ID, err)
	}

	err = json.Unmarshal(connectionsJSON, &flow.Connections)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal connections of flow %s: %w", flow.ID, err)
	}

	err = json.Unmarshal(contractJSON, &flow.Contract)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal contract of flow %s: %w", flow.ID, err)
	}

	if publishedAt.Valid {
		published := publishedAt.Time
		flow.PublishedAt = &published
	}

	return &flow, nil
}
