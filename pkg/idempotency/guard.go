// Package idempotency deduplicates the results of dispatched side effects.
// Every side effect is keyed by (session id, node id, revision at dispatch).
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

const DefaultTTL = 24 * time.Hour

type Guard struct {
	store  persistence.IdempotencyStore
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time
}

func NewGuard(store persistence.IdempotencyStore, logger *slog.Logger, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Guard{
		store:  store,
		logger: logger.With("module", "idempotency"),
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Begin claims key before its side effect is dispatched. A key that is
// already claimed returns persistence.ErrIdempotencyRecordExists.
func (g *Guard) Begin(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	now := g.now()

	record := &models.IdempotencyRecord{
		Key:       key,
		Status:    models.IdempotencyProcessing,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}

	err := g.store.CreateRecord(ctx, record)
	if err != nil {
		return nil, err
	}

	return record, nil
}

// Lookup returns the live record of key, or nil when there is none.
func (g *Guard) Lookup(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	record, err := g.store.RecordByKey(ctx, key)
	if err != nil {
		if persistence.IsIdempotencyRecordNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	return record, nil
}

// Complete stores the outcome applied for key. Later deliveries of the same
// key get this result back instead of being applied again.
func (g *Guard) Complete(ctx context.Context, key models.IdempotencyKey, result map[string]any) error {
	return g.finish(ctx, key, models.IdempotencyCompleted, result, "")
}

// Fail records that key will never be applied, for instance because the
// delivery was stale.
func (g *Guard) Fail(ctx context.Context, key models.IdempotencyKey, reason string) error {
	return g.finish(ctx, key, models.IdempotencyFailed, nil, reason)
}

// Purge deletes expired records.
func (g *Guard) Purge(ctx context.Context) (int, error) {
	removed, err := g.store.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		g.logger.InfoContext(ctx, "purged expired idempotency records", "count", removed)
	}

	return removed, nil
}

func (g *Guard) finish(ctx context.Context, key models.IdempotencyKey, status models.IdempotencyStatus, result map[string]any, reason string) error {
	now := g.now()

	record, err := g.Lookup(ctx, key)
	if err != nil {
		return err
	}

	create := record == nil
	if create {
		record = &models.IdempotencyRecord{Key: key, CreatedAt: now}
	}

	record.Status = status
	record.Result = result
	record.Error = reason
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(g.ttl)

	if create {
		err = g.store.CreateRecord(ctx, record)
		if err == nil || !persistence.IsIdempotencyRecordExists(err) {
			return err
		}

		g.logger.DebugContext(ctx, "idempotency record appeared concurrently", "key", key.String())
	}

	return g.store.UpdateRecord(ctx, record)
}
