// Package postgresql provides the PostgreSQL persistence implementation for
// flows, sessions, idempotency records and content.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/chatflow/pkg/content"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db              *sql.DB
	logger          *slog.Logger
	flowRepo        *FlowRepository
	sessionRepo     *SessionRepository
	idempotencyRepo *IdempotencyRepository
	contentRepo     *ContentRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:              database,
		logger:          logger,
		flowRepo:        NewFlowRepository(database, logger),
		sessionRepo:     NewSessionRepository(database, logger),
		idempotencyRepo: NewIdempotencyRepository(database, logger),
		contentRepo:     NewContentRepository(database, logger),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// DB exposes the connection pool for components that share it, such as advisory locks.
func (p *Persistence) DB() *sql.DB {
	return p.db
}

func (p *Persistence) Flows() persistence.FlowRepository {
	return p.flowRepo
}

func (p *Persistence) Sessions() persistence.SessionRepository {
	return p.sessionRepo
}

func (p *Persistence) Idempotency() persistence.IdempotencyStore {
	return p.idempotencyRepo
}

func (p *Persistence) Content() content.Lookup {
	return p.contentRepo
}

// ContentRepository returns the content store, which also accepts writes.
func (p *Persistence) ContentRepository() *ContentRepository {
	return p.contentRepo
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
