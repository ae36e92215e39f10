package eventbus_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/chatflow/pkg/channels/gochannel"
	"github.com/dukex/chatflow/pkg/eventbus"
	"github.com/dukex/chatflow/pkg/events"
	"github.com/dukex/chatflow/pkg/log"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestStartJournal_LogsSessionEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub := gochannel.CreateTestChannel(watermill.NewSlogLogger(log.Discard()))
	bus := eventbus.NewWatermillEventBus(pub, sub)

	defer func() { _ = bus.Close() }()

	out := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))

	require.NoError(t, eventbus.StartJournal(ctx, logger, bus))

	before := &models.Session{ID: "s-1", FlowID: "greeting", CurrentNodeID: "ask", Status: models.SessionActive, Revision: 1}
	after := &models.Session{ID: "s-1", FlowID: "greeting", CurrentNodeID: "bye", Status: models.SessionCompleted, Revision: 2}

	for _, event := range events.ForTransition(before, after) {
		require.NoError(t, bus.Publish(ctx, after.ID, event))
	}

	assert.Eventually(t, func() bool {
		return strings.Count(out.String(), `"msg":"session event"`) == 3
	}, 2*time.Second, 10*time.Millisecond)

	logged := out.String()
	assert.Contains(t, logged, `"event_type":"session.node_changed"`)
	assert.Contains(t, logged, `"event_type":"session.ended"`)
	assert.Contains(t, logged, `"reason":"completed"`)
	assert.Contains(t, logged, `"previous_node_id":"ask"`)
	assert.Contains(t, logged, `"session_id":"s-1"`)
}
