package file

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/models"
)

// ContentRepository serves content items stored as JSON files.
type ContentRepository struct {
	dir string
}

// NewContentRepository creates a new content repository.
func NewContentRepository(root string) *ContentRepository {
	return &ContentRepository{dir: filepath.Join(root, "content")}
}

func (r *ContentRepository) GetContent(_ context.Context, id string) (*models.ContentItem, error) {
	var item models.ContentItem

	found, err := readJSON(filepath.Join(r.dir, fileName(id)), &item)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, fmt.Errorf("content %s: %w", id, content.ErrContentNotFound)
	}

	return &item, nil
}

func (r *ContentRepository) RandomContent(_ context.Context, query models.RandomContentQuery) ([]models.ContentItem, error) {
	paths, err := listJSON(r.dir)
	if err != nil {
		return nil, err
	}

	var candidates []models.ContentItem

	for _, path := range paths {
		var item models.ContentItem

		found, err := readJSON(path, &item)
		if err != nil {
			return nil, err
		}

		if found && content.Matches(item, query) {
			candidates = append(candidates, item)
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	count := max(query.Count, 1)
	if len(candidates) > count {
		candidates = candidates[:count]
	}

	return candidates, nil
}

// PutContent creates or replaces a content item.
func (r *ContentRepository) PutContent(_ context.Context, item models.ContentItem) error {
	return writeJSON(filepath.Join(r.dir, fileName(item.ID)), item)
}
