package idempotency

import (
	"context"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps records in process memory with per-record expiry.
type MemoryStore struct {
	records *gocache.Cache
	now     func() time.Time
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}

	return &MemoryStore{
		records: gocache.New(gocache.NoExpiration, cleanupInterval),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateRecord(_ context.Context, record *models.IdempotencyRecord) error {
	err := s.records.Add(record.Key.String(), copyRecord(record), s.lifetime(record))
	if err != nil {
		return persistence.NewIdempotencyError("CreateRecord", record.Key.String(), persistence.ErrIdempotencyRecordExists)
	}

	return nil
}

func (s *MemoryStore) RecordByKey(_ context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	value, found := s.records.Get(key.String())
	if !found {
		return nil, persistence.NewIdempotencyError("RecordByKey", key.String(), persistence.ErrIdempotencyRecordNotFound)
	}

	record, _ := value.(*models.IdempotencyRecord)
	if record == nil || record.Expired(s.now()) {
		return nil, persistence.NewIdempotencyError("RecordByKey", key.String(), persistence.ErrIdempotencyRecordNotFound)
	}

	return copyRecord(record), nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, record *models.IdempotencyRecord) error {
	err := s.records.Replace(record.Key.String(), copyRecord(record), s.lifetime(record))
	if err != nil {
		return persistence.NewIdempotencyError("UpdateRecord", record.Key.String(), persistence.ErrIdempotencyRecordNotFound)
	}

	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	before := s.records.ItemCount()

	for key, item := range s.records.Items() {
		record, _ := item.Object.(*models.IdempotencyRecord)
		if record == nil || record.Expired(now) {
			s.records.Delete(key)
		}
	}

	s.records.DeleteExpired()

	return before - s.records.ItemCount(), nil
}

// lifetime converts the record expiry into a cache duration. Records without
// an expiry never expire; records already expired get the shortest lifetime.
func (s *MemoryStore) lifetime(record *models.IdempotencyRecord) time.Duration {
	if record.ExpiresAt.IsZero() {
		return gocache.NoExpiration
	}

	ttl := record.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return time.Nanosecond
	}

	return ttl
}

func copyRecord(record *models.IdempotencyRecord) *models.IdempotencyRecord {
	clone := *record
	if record.Result != nil {
		clone.Result = make(map[string]any, len(record.Result))
		for key, value := range record.Result {
			clone.Result[key] = value
		}
	}

	return &clone
}
