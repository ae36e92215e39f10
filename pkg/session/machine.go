// Package session owns the lifecycle transitions of a session and its
// integrity hash.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/template"
	"github.com/google/uuid"
)

// Machine applies transitions. Completed and abandoned are terminal: once a
// session reaches either, every further transition fails.
type Machine struct {
	now func() time.Time
}

func NewMachine(now func() time.Time) *Machine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Machine{now: now}
}

// Start returns a new active session positioned on entry. It has revision 0
// until the first Bump.
func (m *Machine) Start(flowID, entry string, initial map[string]any) *models.Session {
	now := m.now()

	state := template.CloneMap(initial)
	if state == nil {
		state = map[string]any{}
	}

	return &models.Session{
		ID:            uuid.NewString(),
		Token:         uuid.NewString(),
		FlowID:        flowID,
		CurrentNodeID: entry,
		State:         state,
		Status:        models.SessionActive,
		ExecState:     models.ExecRunnable,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Bump advances the revision by one and reseals the hash.
func (m *Machine) Bump(s *models.Session) error {
	hash, err := Hash(s)
	if err != nil {
		return err
	}

	s.Revision++
	s.StateHash = hash
	s.UpdatedAt = m.now()

	return nil
}

func (m *Machine) Complete(s *models.Session) error {
	return m.end(s, models.SessionCompleted)
}

func (m *Machine) Abandon(s *models.Session) error {
	return m.end(s, models.SessionAbandoned)
}

// End moves an active session to the given terminal status.
func (m *Machine) End(s *models.Session, status models.SessionStatus) error {
	if !status.Terminal() {
		return flowerr.Validation("session.End", fmt.Sprintf("%q is not a terminal status", status), nil)
	}

	return m.end(s, status)
}

func (m *Machine) end(s *models.Session, status models.SessionStatus) error {
	if s.Status.Terminal() {
		return flowerr.Validation("session.End", string(s.Status), flowerr.ErrSessionInactive)
	}

	now := m.now()
	s.Status = status
	s.ExecState = models.ExecRunnable
	s.Pending = nil
	s.EndedAt = &now

	return nil
}

// Flag marks the session as failing its integrity check. State is left as is.
func (m *Machine) Flag(s *models.Session) {
	s.Flagged = true
	s.UpdatedAt = m.now()
}

// Verify compares the stored hash with one recomputed from the session.
func Verify(s *models.Session) error {
	if s.Flagged {
		return flowerr.Integrity("session.Verify", "session is flagged for review", flowerr.ErrStateIntegrity)
	}

	hash, err := Hash(s)
	if err != nil {
		return flowerr.Integrity("session.Verify", "state cannot be hashed", err)
	}

	if hash != s.StateHash {
		return flowerr.Integrity("session.Verify", "revision "+fmt.Sprint(s.Revision), flowerr.ErrStateIntegrity)
	}

	return nil
}

type hashed struct {
	FlowID        string         `json:"flow_id"`
	CurrentNodeID string         `json:"current_node_id"`
	State         map[string]any `json:"state"`
	Frames        []models.Frame `json:"frames"`
}

// Hash is the hex SHA-256 of the canonical JSON of the cursor, the frames and
// the state. Map keys are sorted by the encoder, and ints and floats with the
// same value encode identically, so a stored and reloaded session hashes the same.
func Hash(s *models.Session) (string, error) {
	doc := hashed{FlowID: s.FlowID, CurrentNodeID: s.CurrentNodeID, State: s.State}
	if doc.State == nil {
		doc.State = map[string]any{}
	}

	if len(s.Frames) > 0 {
		doc.Frames = s.Frames
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode session state: %w", err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy, so a step can work on a session without touching
// the loaded one.
func Clone(s *models.Session) *models.Session {
	clone := *s
	clone.State = template.CloneMap(s.State)

	if s.Frames != nil {
		clone.Frames = make([]models.Frame, len(s.Frames))
		for i, frame := range s.Frames {
			frame.Scope = template.CloneMap(frame.Scope)
			clone.Frames[i] = frame
		}
	}

	if s.Pending != nil {
		pending := *s.Pending
		clone.Pending = &pending
	}

	if s.LastError != nil {
		lastErr := *s.LastError
		clone.LastError = &lastErr
	}

	if s.EndedAt != nil {
		ended := *s.EndedAt
		clone.EndedAt = &ended
	}

	return &clone
}
