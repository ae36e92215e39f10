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
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// SessionRepository handles session-related database operations. Updates are
// conditional on the revision the caller read.
type SessionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sql.DB, logger *slog.Logger) *SessionRepository {
	return &SessionRepository{db: db, logger: logger}
}

const sessionColumns = `
			id
		  , token
		  , flow_id
		  , current_node_id
		  , state
		  , frames
		  , status
		  , exec_state
		  , pending
		  , revision
		  , state_hash
		  , flagged
		  , last_error
		  , created_at
		  , updated_at
		  , ended_at`

type sessionDocuments struct {
	state, frames, pending, lastError []byte
}

func encodeSession(session *models.Session) (*sessionDocuments, error) {
	var (
		docs sessionDocuments
		err  error
	)

	state := session.State
	if state == nil {
		state = map[string]any{}
	}

	docs.state, err = json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	frames := session.Frames
	if frames == nil {
		frames = []models.Frame{}
	}

	docs.frames, err = json.Marshal(frames)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal frames: %w", err)
	}

	if session.Pending != nil {
		docs.pending, err = json.Marshal(session.Pending)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending effect: %w", err)
		}
	}

	if session.LastError != nil {
		docs.lastError, err = json.Marshal(session.LastError)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal last error: %w", err)
		}
	}

	return &docs, nil
}

// nullable maps an absent document to SQL NULL.
func nullable(document []byte) any {
	if document == nil {
		return nil
	}

	return document
}

func (r *SessionRepository) CreateSession(ctx context.Context, session *models.Session) error {
	docs, err := encodeSession(session)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sessions (id, token, flow_id, current_node_id, state, frames, status, exec_state,
			pending, revision, state_hash, flagged, last_error, created_at, updated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.Token,
		session.FlowID,
		session.CurrentNodeID,
		docs.state,
		docs.frames,
		session.Status,
		session.ExecState,
		nullable(docs.pending),
		session.Revision,
		session.StateHash,
		session.Flagged,
		nullable(docs.lastError),
		session.CreatedAt,
		session.UpdatedAt,
		session.EndedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewSessionError("CreateSession", session.ID, persistence.ErrSessionAlreadyExists)
		}

		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (r *SessionRepository) SessionByID(ctx context.Context, id string) (*models.Session, error) {
	return r.sessionBy(ctx, "SessionByID", "id", id)
}

func (r *SessionRepository) SessionByToken(ctx context.Context, token string) (*models.Session, error) {
	return r.sessionBy(ctx, "SessionByToken", "token", token)
}

func (r *SessionRepository) sessionBy(ctx context.Context, op, column, value string) (*models.Session, error) {
	query := `SELECT` + sessionColumns + `
		FROM sessions
		WHERE ` + column + ` = $1
	`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewSessionError(op, value, persistence.ErrSessionNotFound)
		}

		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	return session, nil
}

// UpdateSession writes session only when the stored revision equals expectedRevision.
func (r *SessionRepository) UpdateSession(ctx context.Context, session *models.Session, expectedRevision int64) error {
	docs, err := encodeSession(session)
	if err != nil {
		return err
	}

	query := `
		UPDATE sessions SET
			current_node_id = $3,
			state = $4,
			frames = $5,
			status = $6,
			exec_state = $7,
			pending = $8,
			revision = $9,
			state_hash = $10,
			flagged = $11,
			last_error = $12,
			updated_at = $13,
			ended_at = $14
		WHERE id = $1 AND revision = $2
	`

	result, err := r.db.ExecContext(ctx, query,
		session.ID,
		expectedRevision,
		session.CurrentNodeID,
		docs.state,
		docs.frames,
		session.Status,
		session.ExecState,
		nullable(docs.pending),
		session.Revision,
		session.StateHash,
		session.Flagged,
		nullable(docs.lastError),
		session.UpdatedAt,
		session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 1 {
		return nil
	}

	var exists bool

	err = r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)", session.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session existence: %w", err)
	}

	if !exists {
		return persistence.NewSessionError("UpdateSession", session.ID, persistence.ErrSessionNotFound)
	}

	return persistence.NewRevisionConflict("UpdateSession", session.ID, expectedRevision)
}

// IdleSessions lists active sessions not updated since before, oldest first.
func (r *SessionRepository) IdleSessions(ctx context.Context, before time.Time, limit int) ([]*models.Session, error) {
	query := `SELECT` + sessionColumns + `
		FROM sessions
		WHERE status = 'active' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	sessions := make([]*models.Session, 0)

	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}

		sessions = append(sessions, session)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		session            models.Session
		state, frames      []byte
		pending, lastError []byte
		endedAt            sql.NullTime
		status, execState  string
	)

	err := row.Scan(
		&session.ID,
		&session.Token,
		&session.FlowID,
		&session.CurrentNodeID,
		&state,
		&frames,
		&status,
		&execState,
		&pending,
		&session.Revision,
		&session.StateHash,
		&session.Flagged,
		&lastError,
		&session.CreatedAt,
		&session.UpdatedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Status = models.SessionStatus(status)
	session.ExecState = models.ExecState(execState)

	err = json.Unmarshal(state, &session.State)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal state of session %s: %w", session.ID, err)
	}

	err = json.Unmarshal(frames, &session.Frames)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal frames of session %s: %w", session.ID, err)
	}

	if len(session.Frames) == 0 {
		session.Frames = nil
	}

	if len(pending) > 0 {
		session.Pending = &models.PendingEffect{}

		err = json.Unmarshal(pending, session.Pending)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending effect of session %s: %w", session.ID, err)
		}
	}

	if len(lastError) > 0 {
		session.LastError = &models.StepError{}

		err = json.Unmarshal(lastError, session.LastError)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal last error of session %s: %w", session.ID, err)
		}
	}

	if endedAt.Valid {
		ended := endedAt.Time
		session.EndedAt = &ended
	}

	return &session, nil
}
