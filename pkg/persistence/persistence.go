// Package persistence defines the storage contracts of the flow engine.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/models"
)

// Persistence groups the repositories a storage backend provides.
type Persistence interface {
	Flows() FlowRepository
	Sessions() SessionRepository
	Idempotency() IdempotencyStore
	Content() content.Lookup

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// FlowRepository stores flow versions. A published flow is immutable.
type FlowRepository interface {
	// SaveFlow creates or replaces a draft flow. It fails with ErrFlowPublished
	// when a flow with the same id has already been published.
	SaveFlow(ctx context.Context, flow *models.Flow) error
	FlowByID(ctx context.Context, id string) (*models.Flow, error)
	Flows(ctx context.Context) ([]*models.Flow, error)
}

// SessionRepository stores sessions. Every write after creation is a
// conditional write on the revision the caller read.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	SessionByID(ctx context.Context, id string) (*models.Session, error)
	SessionByToken(ctx context.Context, token string) (*models.Session, error)

	// UpdateSession stores session when the stored revision still equals
	// expectedRevision and returns ErrRevisionConflict otherwise.
	UpdateSession(ctx context.Context, session *models.Session, expectedRevision int64) error

	// IdleSessions lists active sessions last updated before the given time,
	// oldest first.
	IdleSessions(ctx context.Context, before time.Time, limit int) ([]*models.Session, error)
}

// IdempotencyStore persists idempotency records keyed by session, node and revision.
type IdempotencyStore interface {
	// CreateRecord inserts record. An expired record under the same key is
	// replaced; a live one fails with ErrIdempotencyRecordExists.
	CreateRecord(ctx context.Context, record *models.IdempotencyRecord) error

	// RecordByKey returns the live record for key. Expired records are not returned.
	RecordByKey(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error)

	UpdateRecord(ctx context.Context, record *models.IdempotencyRecord) error

	// DeleteExpired removes records that expired at or before now and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
