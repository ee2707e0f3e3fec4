// Package dispatch hands accepted canonical messages to their destination.
// The reply mode echoes through the provider's outbound API; the bus mode
// publishes to Kafka for a downstream consumer.
package dispatch

import (
	"context"
	"fmt"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/internal/lark"
	"larkgate/internal/logger"
	"larkgate/pkg/models"
)

// Dispatcher consumes a canonical message after the webhook has been acked.
// Implementations must be safe for concurrent use.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, msg models.CanonicalMessage) error
	Close() error
}

// New builds the dispatcher selected by config.
func New(cfg config.DispatchConfig, sender lark.Sender, log logger.Logger) (Dispatcher, error) {
	switch cfg.Mode {
	case constants.DispatcherReply, "":
		return NewReplyDispatcher(sender, log), nil
	case constants.DispatcherBus:
		return NewBusDispatcher(cfg.Bus, log), nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode: %q", cfg.Mode)
	}
}
