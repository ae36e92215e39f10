package registry

import (
	"log/slog"

	"github.com/dukex/chatflow/pkg/nodes/action"
	"github.com/dukex/chatflow/pkg/nodes/composite"
	"github.com/dukex/chatflow/pkg/nodes/condition"
	"github.com/dukex/chatflow/pkg/nodes/message"
	"github.com/dukex/chatflow/pkg/nodes/question"
	"github.com/dukex/chatflow/pkg/nodes/script"
	"github.com/dukex/chatflow/pkg/nodes/webhook"
	"github.com/dukex/chatflow/pkg/protocol"
)

// DefaultProcessors returns one processor per built-in node type.
func DefaultProcessors() []protocol.Processor {
	return []protocol.Processor{
		message.New(),
		question.New(),
		condition.New(),
		action.New(),
		webhook.New(),
		composite.New(),
		script.New(),
	}
}

// NewDefaultRegistry returns a registry with every built-in node type.
func NewDefaultRegistry(log *slog.Logger) *Registry {
	return NewRegistry(log, DefaultProcessors()...)
}
