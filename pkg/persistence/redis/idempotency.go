package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "chatflow:idempotency:"

// IdempotencyStore keeps one JSON value per record. Records expire with their key.
type IdempotencyStore struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

func NewIdempotencyStore(client goredis.UniversalClient, logger *slog.Logger) *IdempotencyStore {
	return &IdempotencyStore{
		client: client,
		prefix: DefaultKeyPrefix,
		logger: logger.With("module", "redis_idempotency"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRecord stores record unless a live record exists for its key.
func (s *IdempotencyStore) CreateRecord(ctx context.Context, record *models.IdempotencyRecord) error {
	data, ttl, err := s.encode(record)
	if err != nil {
		return err
	}

	if ttl < 0 {
		return nil
	}

	created, err := s.client.SetNX(ctx, s.key(record.Key), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create idempotency record: %w", err)
	}

	if !created {
		return persistence.NewIdempotencyError("CreateRecord", record.Key.String(), persistence.ErrIdempotencyRecordExists)
	}

	return nil
}

func (s *IdempotencyStore) RecordByKey(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewIdempotencyError("RecordByKey", key.String(), persistence.ErrIdempotencyRecordNotFound)
		}

		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	var record models.IdempotencyRecord

	err = json.Unmarshal(data, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency record: %w", err)
	}

	if record.Expired(s.now()) {
		return nil, persistence.NewIdempotencyError("RecordByKey", key.String(), persistence.ErrIdempotencyRecordNotFound)
	}

	return &record, nil
}

// UpdateRecord replaces an existing record and refreshes its expiry.
func (s *IdempotencyStore) UpdateRecord(ctx context.Context, record *models.IdempotencyRecord) error {
	data, ttl, err := s.encode(record)
	if err != nil {
		return err
	}

	if ttl < 0 {
		return s.client.Del(ctx, s.key(record.Key)).Err()
	}

	err = s.client.SetArgs(ctx, s.key(record.Key), data, goredis.SetArgs{Mode: "XX", TTL: ttl}).Err()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return persistence.NewIdempotencyError("UpdateRecord", record.Key.String(), persistence.ErrIdempotencyRecordNotFound)
		}

		return fmt.Errorf("failed to update idempotency record: %w", err)
	}

	return nil
}

// DeleteExpired is a no-op: Redis evicts expired keys itself.
func (s *IdempotencyStore) DeleteExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

func (s *IdempotencyStore) key(key models.IdempotencyKey) string {
	return s.prefix + key.String()
}

// encode returns the JSON value and the remaining lifetime. A zero lifetime
// means the record never expires; a negative one means it already expired.
func (s *IdempotencyStore) encode(record *models.IdempotencyRecord) ([]byte, time.Duration, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal idempotency record: %w", err)
	}

	if record.ExpiresAt.IsZero() {
		return data, 0, nil
	}

	ttl := record.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return data, -1, nil
	}

	return data, ttl, nil
}
