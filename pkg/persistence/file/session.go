package file

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/persistence"
)

// SessionRepository stores one file per session plus a token index.
type SessionRepository struct {
	mu     sync.Mutex
	dir    string
	tokens string
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(root string) *SessionRepository {
	return &SessionRepository{
		dir:    filepath.Join(root, "sessions"),
		tokens: filepath.Join(root, "session_tokens"),
	}
}

type tokenEntry struct {
	SessionID string `json:"session_id"`
}

func (r *SessionRepository) CreateSession(_ context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing models.Session

	found, err := readJSON(r.path(session.ID), &existing)
	if err != nil {
		return err
	}

	var entry tokenEntry

	tokenTaken, err := readJSON(filepath.Join(r.tokens, fileName(session.Token)), &entry)
	if err != nil {
		return err
	}

	if found || tokenTaken {
		return persistence.NewSessionError("CreateSession", session.ID, persistence.ErrSessionAlreadyExists)
	}

	err = writeJSON(r.path(session.ID), session)
	if err != nil {
		return err
	}

	return writeJSON(filepath.Join(r.tokens, fileName(session.Token)), tokenEntry{SessionID: session.ID})
}

func (r *SessionRepository) SessionByID(_ context.Context, id string) (*models.Session, error) {
	return r.load("SessionByID", id)
}

func (r *SessionRepository) SessionByToken(_ context.Context, token string) (*models.Session, error) {
	var entry tokenEntry

	found, err := readJSON(filepath.Join(r.tokens, fileName(token)), &entry)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewSessionError("SessionByToken", token, persistence.ErrSessionNotFound)
	}

	return r.load("SessionByToken", entry.SessionID)
}

// UpdateSession writes session when the stored revision equals expectedRevision.
func (r *SessionRepository) UpdateSession(_ context.Context, session *models.Session, expectedRevision int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.load("UpdateSession", session.ID)
	if err != nil {
		return err
	}

	if stored.Revision != expectedRevision {
		return persistence.NewRevisionConflict("UpdateSession", session.ID, expectedRevision)
	}

	return writeJSON(r.path(session.ID), session)
}

// IdleSessions lists active sessions not updated since before, oldest first.
func (r *SessionRepository) IdleSessions(_ context.Context, before time.Time, limit int) ([]*models.Session, error) {
	paths, err := listJSON(r.dir)
	if err != nil {
		return nil, err
	}

	idle := make([]*models.Session, 0)

	for _, path := range paths {
		var session models.Session

		found, err := readJSON(path, &session)
		if err != nil {
			return nil, err
		}

		if found && session.IsActive() && session.UpdatedAt.Before(before) {
			idle = append(idle, &session)
		}
	}

	sort.Slice(idle, func(i, j int) bool {
		return idle[i].UpdatedAt.Before(idle[j].UpdatedAt)
	})

	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}

	return idle, nil
}

func (r *SessionRepository) load(op, id string) (*models.Session, error) {
	var session models.Session

	found, err := readJSON(r.path(id), &session)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.NewSessionError(op, id, persistence.ErrSessionNotFound)
	}

	return &session, nil
}

func (r *SessionRepository) path(id string) string {
	return filepath.Join(r.dir, fileName(id))
}
