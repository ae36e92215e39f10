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

// IdempotencyRepository stores idempotency records.
type IdempotencyRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewIdempotencyRepository creates a new idempotency repository.
func NewIdempotencyRepository(db *sql.DB, logger *slog.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRecord inserts record, replacing an expired record under the same key.
func (r *IdempotencyRepository) CreateRecord(ctx context.Context, record *models.IdempotencyRecord) error {
	result, err := r.resultJSON(record)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO idempotency_records (session_id, node_id, revision, status, result, error, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, node_id, revision) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= $10
	`

	res, err := r.db.ExecContext(ctx, query,
		record.Key.SessionID,
		record.Key.NodeID,
		record.Key.Revision,
		record.Status,
		nullable(result),
		record.Error,
		record.CreatedAt,
		record.UpdatedAt,
		record.ExpiresAt,
		r.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to create idempotency record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewIdempotencyError("CreateRecord", record.Key.String(), persistence.ErrIdempotencyRecordExists)
	}

	return nil
}

func (r *IdempotencyRepository) RecordByKey(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	query := `
		SELECT
			status
		  , result
		  , error
		  , created_at
		  , updated_at
		  , expires_at
		FROM idempotency_records
		WHERE session_id = $1 AND node_id = $2 AND revision = $3 AND expires_at > $4
	`

	var (
		record models.IdempotencyRecord
		status string
		result []byte
	)

	err := r.db.QueryRowContext(ctx, query, key.SessionID, key.NodeID, key.Revision, r.now()).Scan(
		&status,
		&result,
		&record.Error,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewIdempotencyError("RecordByKey", key.String(), persistence.ErrIdempotencyRecordNotFound)
		}

		return nil, fmt.Errorf("failed to scan idempotency record: %w", err)
	}

	record.Key = key
	record.Status = models.IdempotencyStatus(status)

	if len(result) > 0 {
		err = json.Unmarshal(result, &record.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal idempotency result: %w", err)
		}
	}

	return &record, nil
}

func (r *IdempotencyRepository) UpdateRecord(ctx context.Context, record *models.IdempotencyRecord) error {
	result, err := r.resultJSON(record)
	if err != nil {
		return err
	}

	query := `
		UPDATE idempotency_records SET
			status = $4,
			result = $5,
			error = $6,
			updated_at = $7,
			expires_at = $8
		WHERE session_id = $1 AND node_id = $2 AND revision = $3
	`

	res, err := r.db.ExecContext(ctx, query,
		record.Key.SessionID,
		record.Key.NodeID,
		record.Key.Revision,
		record.Status,
		nullable(result),
		record.Error,
		record.UpdatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update idempotency record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewIdempotencyError("UpdateRecord", record.Key.String(), persistence.ErrIdempotencyRecordNotFound)
	}

	return nil
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM idempotency_records WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return int(affected), nil
}

func (r *IdempotencyRepository) resultJSON(record *models.IdempotencyRecord) ([]byte, error) {
	if record.Result == nil {
		return nil, nil
	}

	result, err := json.Marshal(record.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal idempotency result: %w", err)
	}

	return result, nil
}
