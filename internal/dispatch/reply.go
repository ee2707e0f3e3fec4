package dispatch

import (
	"context"
	"time"

	"larkgate/internal/lark"
	"larkgate/internal/logger"
	"larkgate/pkg/errors"
	"larkgate/pkg/metrics"
	"larkgate/pkg/models"
)

// ReplyDispatcher delivers text back into the originating chat through the
// provider's outbound API. It is the in-process default when no bus is
// configured, and it also carries pairing-code replies.
type ReplyDispatcher struct {
	sender lark.Sender
	logger logger.Logger
}

func NewReplyDispatcher(sender lark.Sender, log logger.Logger) *ReplyDispatcher {
	return &ReplyDispatcher{sender: sender, logger: log}
}

func (d *ReplyDispatcher) Name() string { return "reply" }

// Dispatch sends the message body to the originating chat. Empty bodies are
// skipped without error, matching the outbound contract that only non-empty
// text is deliverable.
func (d *ReplyDispatcher) Dispatch(ctx context.Context, msg models.CanonicalMessage) error {
	if msg.Body == "" {
		d.logger.DebugwCtx(ctx, "Skipping empty reply",
			"channel_id", msg.ChannelID,
		)
		metrics.DispatchTotal.WithLabelValues(d.Name(), "skipped").Inc()
		return nil
	}

	start := time.Now()
	messageID, err := d.sender.SendText(ctx, msg.ChannelID, msg.Body)
	metrics.ObserveDispatchDuration(time.Since(start), d.Name())

	if err != nil {
		metrics.DispatchTotal.WithLabelValues(d.Name(), "error").Inc()
		return errors.Wrap(err, errors.ErrDispatch)
	}

	metrics.DispatchTotal.WithLabelValues(d.Name(), "success").Inc()
	d.logger.InfowCtx(ctx, "Reply delivered",
		"channel_id", msg.ChannelID,
		"message_id", messageID,
	)
	return nil
}

func (d *ReplyDispatcher) Close() error { return nil }
