package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/chatflow/pkg/flowerr"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Defaults(t *testing.T) {
	r := NewRegistry(log.Discard(), Policy{}, nil)

	assert.Equal(t, DefaultPolicy, r.defaults)
	assert.Equal(t, StateClosed, r.State("webhook_https://example.com"))
	assert.False(t, r.IsOpen("webhook_https://example.com"))
}

func TestRegistry_OpensAfterFailuresAndRecovers(t *testing.T) {
	r := NewRegistry(log.Discard(), Policy{FailureThreshold: 2, SuccessThreshold: 1, CoolDown: 50 * time.Millisecond}, nil)

	r.Record("crm", false)
	assert.False(t, r.IsOpen("crm"))

	r.Record("crm", false)
	assert.True(t, r.IsOpen("crm"))
	assert.False(t, r.IsOpen("billing"), "breakers are independent")

	err := r.Run("crm", func() error { return nil })
	require.ErrorIs(t, err, flowerr.ErrCircuitOpen)

	require.Eventually(t, func() bool { return r.State("crm") == StateHalfOpen }, time.Second, 10*time.Millisecond)

	r.Record("crm", true)
	assert.Equal(t, StateClosed, r.State("crm"))
}

func TestRegistry_NamedPolicy(t *testing.T) {
	r := NewRegistry(log.Discard(), DefaultPolicy, map[string]Policy{
		"fragile": {FailureThreshold: 1, SuccessThreshold: 1, CoolDown: time.Minute},
	})

	failure := errors.New("boom")

	err := r.Run("fragile", func() error { return failure })
	require.ErrorIs(t, err, failure)
	assert.True(t, r.IsOpen("fragile"))

	err = r.Run("sturdy", func() error { return failure })
	require.ErrorIs(t, err, failure)
	assert.False(t, r.IsOpen("sturdy"))

	assert.Equal(t, map[string]State{"fragile": StateOpen, "sturdy": StateClosed}, r.Snapshot())
}
