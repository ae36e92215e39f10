package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/lib/pq"
)

// ContentRepository serves CMS content items stored in PostgreSQL.
type ContentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewContentRepository creates a new content repository.
func NewContentRepository(db *sql.DB, logger *slog.Logger) *ContentRepository {
	return &ContentRepository{db: db, logger: logger}
}

func (r *ContentRepository) GetContent(ctx context.Context, id string) (*models.ContentItem, error) {
	query := `
		SELECT id, type, tags, content
		FROM content_items
		WHERE id = $1
	`

	item, err := scanContent(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("content %s: %w", id, content.ErrContentNotFound)
		}

		return nil, fmt.Errorf("failed to scan content item: %w", err)
	}

	return item, nil
}

// RandomContent selects matching items in random order. Filters use JSONB
// containment, so every filter key must be present with an equal value.
func (r *ContentRepository) RandomContent(ctx context.Context, query models.RandomContentQuery) ([]models.ContentItem, error) {
	filters := query.Filters
	if filters == nil {
		filters = map[string]any{}
	}

	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content filters: %w", err)
	}

	tags := query.Tags
	if tags == nil {
		tags = []string{}
	}

	excluded := query.ExcludeIDs
	if excluded == nil {
		excluded = []string{}
	}

	sqlQuery := `
		SELECT id, type, tags, content
		FROM content_items
		WHERE type = $1
		  AND (cardinality($2::text[]) = 0 OR tags && $2::text[])
		  AND NOT (id = ANY($3::text[]))
		  AND content @> $4::jsonb
		ORDER BY random()
		LIMIT $5
	`

	rows, err := r.db.QueryContext(ctx, sqlQuery, query.Type, pq.Array(tags), pq.Array(excluded), filtersJSON, max(query.Count, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to query content items: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	items := make([]models.ContentItem, 0)

	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content item: %w", err)
		}

		items = append(items, *item)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating content items: %w", err)
	}

	return items, nil
}

// PutContent creates or replaces a content item.
func (r *ContentRepository) PutContent(ctx context.Context, item models.ContentItem) error {
	document := item.Content
	if document == nil {
		document = map[string]any{}
	}

	contentJSON, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}

	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		INSERT INTO content_items (id, type, tags, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			tags = EXCLUDED.tags,
			content = EXCLUDED.content
	`

	_, err = r.db.ExecContext(ctx, query, item.ID, item.Type, pq.Array(tags), contentJSON)
	if err != nil {
		return fmt.Errorf("failed to save content item: %w", err)
	}

	return nil
}

func scanContent(row scanner) (*models.ContentItem, error) {
	var (
		item        models.ContentItem
		tags        pq.StringArray
		contentJSON []byte
	)

	err := row.Scan(&item.ID, &item.Type, &tags, &contentJSON)
	if err != nil {
		return nil, err
	}

	item.Tags = []string(tags)

	err = json.Unmarshal(contentJSON, &item.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal content of item %s: %w", item.ID, err)
	}

	return &item, nil
}
