package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		flowErr := persistence.NewFlowError("FlowByID", "onboarding", persistence.ErrFlowNotFound)
		sessionErr := persistence.NewSessionError("SessionByToken", "tok-1", persistence.ErrSessionNotFound)
		conflict := persistence.NewRevisionConflict("UpdateSession", "session-1", 4)

		assert.True(t, persistence.IsFlowNotFound(flowErr))
		assert.True(t, persistence.IsSessionNotFound(sessionErr))
		assert.True(t, persistence.IsRevisionConflict(conflict))
		assert.False(t, persistence.IsRevisionConflict(sessionErr))

		assert.True(t, errors.Is(flowErr, persistence.ErrFlowNotFound))
		assert.True(t, errors.Is(conflict, persistence.ErrRevisionConflict))
	})

	t.Run("wrapped errors keep their identity", func(t *testing.T) {
		err := fmt.Errorf("saving: %w", persistence.NewFlowError("SaveFlow", "onboarding", persistence.ErrFlowPublished))

		assert.True(t, persistence.IsFlowPublished(err))

		var flowErr *persistence.FlowError
		assert.True(t, errors.As(err, &flowErr))
		assert.Equal(t, "onboarding", flowErr.FlowID)
	})

	t.Run("session error contains context", func(t *testing.T) {
		err := persistence.NewRevisionConflict("UpdateSession", "session-1", 4)

		assert.Contains(t, err.Error(), "UpdateSession")
		assert.Contains(t, err.Error(), "session-1")
		assert.Contains(t, err.Error(), "revision 4")
		assert.Contains(t, err.Error(), "session revision conflict")
	})

	t.Run("idempotency error contains context", func(t *testing.T) {
		err := persistence.NewIdempotencyError("CreateRecord", "s:n:3", persistence.ErrIdempotencyRecordExists)

		assert.True(t, persistence.IsIdempotencyRecordExists(err))
		assert.False(t, persistence.IsIdempotencyRecordNotFound(err))
		assert.Contains(t, err.Error(), "s:n:3")
	})

	t.Run("flow error with message", func(t *testing.T) {
		err := &persistence.FlowError{Op: "SaveFlow", FlowID: "f", Err: persistence.ErrFlowPublished, Message: "published at version 2"}

		assert.Contains(t, err.Error(), "published at version 2")
		assert.Contains(t, err.Error(), "cannot be modified")
	})
}
