package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// IdempotencyRepository stores one file per idempotency record.
type IdempotencyRepository struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewIdempotencyRepository creates a new idempotency repository.
func NewIdempotencyRepository(root string) *IdempotencyRepository {
	return &IdempotencyRepository{
		dir: filepath.Join(root, "idempotency"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *IdempotencyRepository) CreateRecord(_ context.Context, record *models.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing models.IdempotencyRecord

	found, err := readJSON(r.path(record.Key), &existing)
	if err != nil {
		return err
	}

	if found && !existing.Expired(r.now()) {
		return persistence.NewIdempotencyError("CreateRecord", record.Key.String(), persistence.ErrIdempotencyRecordExists)
	}

	return writeJSON(r.path(record.Key), record)
}

func (r *IdempotencyRepository) RecordByKey(_ context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	var record models.IdempotencyRecord

	found, err := readJSON(r.path(key), &record)
	if err != nil {
		return nil, err
	}

	if !found || record.Expired(r.now()) {
		return nil, persistence.NewIdempotencyError("RecordByKey", key.String(), persistence.ErrIdempotencyRecordNotFound)
	}

	return &record, nil
}

func (r *IdempotencyRepository) UpdateRecord(_ context.Context, record *models.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing models.IdempotencyRecord

	found, err := readJSON(r.path(record.Key), &existing)
	if err != nil {
		return err
	}

	if !found {
		return persistence.NewIdempotencyError("UpdateRecord", record.Key.String(), persistence.ErrIdempotencyRecordNotFound)
	}

	return writeJSON(r.path(record.Key), record)
}

func (r *IdempotencyRepository) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths, err := listJSON(r.dir)
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, path := range paths {
		var record models.IdempotencyRecord

		found, err := readJSON(path, &record)
		if err != nil {
			return removed, err
		}

		if found && record.Expired(now) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, err
			}

			removed++
		}
	}

	return removed, nil
}

func (r *IdempotencyRepository) path(key models.IdempotencyKey) string {
	return filepath.Join(r.dir, fileName(key.String()))
}
