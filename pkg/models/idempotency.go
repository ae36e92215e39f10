package models

import (
	"fmt"
	"time"
)

// IdempotencyKey identifies one dispatched side effect.
type IdempotencyKey struct {
	SessionID string `json:"session_id"`
	NodeID    string `json:"node_id"`
	Revision  int64  `json:"revision"`
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.SessionID, k.NodeID, k.Revision)
}

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

type IdempotencyRecord struct {
	Key       IdempotencyKey    `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	Result    map[string]any    `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
