package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/chatflow/pkg/channels/gochannel"
	"github.com/dukex/chatflow/pkg/channels/kafka"
	"github.com/dukex/chatflow/pkg/eventbus"
)

// NewPubSub creates the watermill transport shared by domain events and
// side-effect tasks. gochannel only reaches subscribers in the same process.
func NewPubSub(provider string, logger *slog.Logger, config kafka.Config) (message.Publisher, message.Subscriber, error) {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), config)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return pub, sub, nil
	case "gochannel", "":
		pub, sub := gochannel.CreateChannel(watermill.NewSlogLogger(logger))

		return pub, sub, nil
	default:
		return nil, nil, fmt.Errorf("unsupported event bus provider %q", provider)
	}
}

func NewEventBus(pub message.Publisher, sub message.Subscriber) eventbus.EventBus {
	return eventbus.NewWatermillEventBus(pub, sub)
}
