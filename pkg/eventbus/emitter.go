package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/chatflow/pkg/events"
)

const DefaultEmitTimeout = 5 * time.Second

// Emitter publishes events in the background. Failures are logged and never
// reach the caller.
type Emitter struct {
	publisher EventPublisher
	logger    *slog.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewEmitter returns an emitter; a nil publisher drops every event.
func NewEmitter(publisher EventPublisher, logger *slog.Logger, timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}

	return &Emitter{
		publisher: publisher,
		logger:    logger.With("module", "event_emitter"),
		timeout:   timeout,
	}
}

func (e *Emitter) Emit(ctx context.Context, key string, evts ...events.Event) {
	if e == nil || e.publisher == nil || len(evts) == 0 {
		return
	}

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()

		for _, event := range evts {
			err := e.publisher.Publish(ctx, key, event)
			if err != nil {
				e.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "key", key, "error", err)
			}
		}
	}()
}

// Wait blocks until every pending emission finished.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}

	e.wg.Wait()
}
