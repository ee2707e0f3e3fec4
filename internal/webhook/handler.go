// Package webhook implements the inbound event endpoint. One POST route
// receives everything the provider pushes: encrypted envelopes, URL
// verification challenges, and schema 2.0 event callbacks. The handler
// validates, deduplicates, and gates each message, acks the provider, and
// hands accepted messages to the dispatcher in the background.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/internal/dedup"
	"larkgate/internal/dispatch"
	"larkgate/internal/filter"
	"larkgate/internal/lark"
	"larkgate/internal/logger"
	"larkgate/internal/pairing"
	"larkgate/internal/policy"
	"larkgate/pkg/errors"
	"larkgate/pkg/metrics"
	"larkgate/pkg/models"
)

// Outcome labels for webhook metrics.
const (
	outcomeAccepted         = "accepted"
	outcomeURLVerification  = "url_verification"
	outcomeDecryptFailed    = "decrypt_failed"
	outcomeInvalidPayload   = "invalid_payload"
	outcomeInvalidToken     = "invalid_token"
	outcomeIgnoredEventType = "ignored_event_type"
	outcomeDuplicateEvent   = "duplicate_event"
	outcomeDuplicateMessage = "duplicate_message"
	outcomeMissingSender    = "missing_sender"
	outcomeMalformedContent = "malformed_content"
	outcomeNotAddressed     = "not_addressed"
	outcomePolicyDenied     = "policy_denied"
)

const dispatchTimeout = 30 * time.Second

// Handler owns the webhook route and the per-process gate state.
type Handler struct {
	cfg        config.LarkConfig
	creds      *lark.Credentials
	events     *dedup.Cache
	messages   *dedup.Cache
	pairing    *pairing.Registry
	filter     *filter.Evaluator
	dispatcher dispatch.Dispatcher
	replier    lark.Sender
	logger     logger.Logger

	wg sync.WaitGroup
}

// Options collects the handler's collaborators. Replier may be nil when
// outbound credentials are not configured; pairing replies are then skipped.
type Options struct {
	Config     config.LarkConfig
	Creds      *lark.Credentials
	Events     *dedup.Cache
	Messages   *dedup.Cache
	Pairing    *pairing.Registry
	Filter     *filter.Evaluator
	Dispatcher dispatch.Dispatcher
	Replier    lark.Sender
	Logger     logger.Logger
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		cfg:        opts.Config,
		creds:      opts.Creds,
		events:     opts.Events,
		messages:   opts.Messages,
		pairing:    opts.Pairing,
		filter:     opts.Filter,
		dispatcher: opts.Dispatcher,
		replier:    opts.Replier,
		logger:     opts.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST(h.cfg.WebhookPath, h.Handle)
}

// Wait blocks until all in-flight background dispatches finish. Called
// during shutdown after the listener stops accepting.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Handle runs the full gate sequence for one delivery. Every outcome past
// basic payload validation acks with 200 so the provider stops retrying;
// only undecryptable or structurally broken payloads and token mismatches
// get an error status.
func (h *Handler) Handle(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	var envelope lark.EventEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.finish(c, start, outcomeInvalidPayload, http.StatusBadRequest, "Invalid payload")
		return
	}

	if envelope.Encrypt != "" && h.cfg.EncryptKey != "" {
		plaintext, err := lark.Decrypt(envelope.Encrypt, h.cfg.EncryptKey)
		if err == nil {
			envelope = lark.EventEnvelope{}
			err = json.Unmarshal([]byte(plaintext), &envelope)
		}
		if err != nil {
			h.logger.ErrorwCtx(ctx, "Decryption failed", "error", err)
			h.finish(c, start, outcomeDecryptFailed, http.StatusBadRequest, "Decryption failed")
			return
		}
	}

	if envelope.Type == "url_verification" {
		if h.cfg.VerificationToken != "" && envelope.Token != h.cfg.VerificationToken {
			h.logger.ErrorwCtx(ctx, "Invalid verification token in url_verification")
			h.finish(c, start, outcomeInvalidToken, http.StatusForbidden, "Invalid verification token")
			return
		}
		metrics.WebhookEventsTotal.WithLabelValues(outcomeURLVerification).Inc()
		metrics.ObserveWebhookDuration(time.Since(start), outcomeURLVerification)
		c.JSON(http.StatusOK, gin.H{"challenge": envelope.Challenge})
		return
	}

	if envelope.Schema == constants.EventSchemaV2 {
		if envelope.Header == nil || envelope.Event == nil {
			h.logger.ErrorwCtx(ctx, "Missing header or event in schema 2.0 payload")
			h.finish(c, start, outcomeInvalidPayload, http.StatusBadRequest, "Invalid payload")
			return
		}

		if h.cfg.VerificationToken != "" && envelope.Header.Token != h.cfg.VerificationToken {
			h.logger.ErrorwCtx(ctx, "Invalid verification token in event callback")
			h.finish(c, start, outcomeInvalidToken, http.StatusForbidden, "Invalid verification token")
			return
		}

		if envelope.Header.EventType == constants.EventTypeMessageReceive {
			h.handleMessageEvent(c, start, envelope.Header, envelope.Event)
			return
		}

		h.finish(c, start, outcomeIgnoredEventType, http.StatusOK, "OK")
		return
	}

	// Unrecognized but well-formed payloads are acked so the provider does
	// not retry them.
	h.finish(c, start, outcomeIgnoredEventType, http.StatusOK, "OK")
}

func (h *Handler) handleMessageEvent(c *gin.Context, start time.Time, header *lark.EventHeader, event *lark.EventBody) {
	ctx := c.Request.Context()

	if header.EventID != "" && !h.events.CheckAndRecord(header.EventID) {
		h.logger.InfowCtx(ctx, "Duplicate event delivery, ignoring", "event_id", header.EventID)
		h.finish(c, start, outcomeDuplicateEvent, http.StatusOK, "OK")
		return
	}

	message := event.Message
	sender := event.Sender
	if message == nil || sender == nil {
		h.logger.ErrorwCtx(ctx, "Missing message or sender in event", "event_id", header.EventID)
		h.finish(c, start, outcomeMissingSender, http.StatusOK, "OK")
		return
	}

	if !h.messages.CheckAndRecord(message.MessageID) {
		h.logger.InfowCtx(ctx, "Duplicate message delivery, ignoring", "message_id", message.MessageID)
		h.finish(c, start, outcomeDuplicateMessage, http.StatusOK, "OK")
		return
	}

	raw := message.Content
	if raw == "" {
		raw = "{}"
	}
	var content lark.TextContent
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to parse message content",
			"message_id", message.MessageID,
			"error", err,
		)
		h.finish(c, start, outcomeMalformedContent, http.StatusOK, "OK")
		return
	}

	text := content.Text
	fromID := ""
	if sender.SenderID != nil {
		fromID = sender.SenderID.OpenID
		if fromID == "" {
			fromID = sender.SenderID.UserID
		}
	}
	if fromID == "" {
		h.logger.ErrorwCtx(ctx, "Unable to identify sender", "message_id", message.MessageID)
		h.finish(c, start, outcomeMissingSender, http.StatusOK, "OK")
		return
	}

	isDirect := message.ChatType == constants.ChatTypeDirect
	channelID := message.ChatID
	if isDirect {
		channelID = fromID
	}

	h.logger.InfowCtx(ctx, "Inbound message",
		"sender_id", fromID,
		"chat_type", message.ChatType,
		"preview", truncate(text, 50),
	)

	if !isDirect && !policy.IsAddressedToBot(text, message.Mentions, h.cfg.BotName) {
		h.logger.DebugwCtx(ctx, "Ignoring group message without mention or bot name",
			"bot_name", h.cfg.BotName,
			"chat_id", message.ChatID,
		)
		h.finish(c, start, outcomeNotAddressed, http.StatusOK, "OK")
		return
	}

	if isDirect && !policy.IsAllowed(fromID, h.cfg.AllowFrom, h.cfg.DMPolicy) {
		h.logger.InfowCtx(ctx, "Sender not permitted by dm policy",
			"sender_id", fromID,
			"dm_policy", h.cfg.DMPolicy,
		)
		if h.cfg.DMPolicy == constants.DMPolicyPairing {
			h.sendPairingCode(ctx, fromID, channelID)
		}
		h.finish(c, start, outcomePolicyDenied, http.StatusOK, "OK")
		return
	}

	msg := h.buildCanonicalMessage(message, sender, text, fromID, isDirect, channelID)

	// Ack before dispatching so slow downstream work never triggers a
	// provider retry.
	h.finish(c, start, outcomeAccepted, http.StatusOK, "OK")

	dispatchCtx := context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if err := errors.RecoverPanic(recover()); err != nil {
				h.logger.ErrorwCtx(dispatchCtx, "Dispatch panicked", "error", err)
			}
		}()
		h.dispatchMessage(dispatchCtx, msg)
	}()
}

func (h *Handler) buildCanonicalMessage(message *lark.MessageEvent, sender *lark.SenderInfo, text, fromID string, isDirect bool, channelID string) models.CanonicalMessage {
	route := dispatch.ResolveRoute(constants.ProviderLark, isDirect, channelID)

	senderName := constants.DefaultSenderName
	if sender.SenderID != nil && sender.SenderID.UserID != "" {
		senderName = sender.SenderID.UserID
	}

	timestamp := time.Now()
	if millis, err := strconv.ParseInt(message.CreateTime, 10, 64); err == nil && millis > 0 {
		timestamp = time.UnixMilli(millis)
	}

	appID := ""
	if h.creds != nil {
		appID = h.creds.AppID
	}

	return models.CanonicalMessage{
		Body:       text,
		SenderID:   fromID,
		SenderName: senderName,
		From:       constants.ProviderLark + ":" + fromID,
		To:         constants.ProviderLark + ":" + appID,
		ChannelID:  channelID,
		SessionKey: route.SessionKey,
		Direct:     isDirect,
		Provider:   constants.ProviderLark,
		AccountID:  appID,
		Timestamp:  timestamp,
	}
}

func (h *Handler) dispatchMessage(ctx context.Context, msg models.CanonicalMessage) {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	if !h.filter.Allow(ctx, msg) {
		h.logger.InfowCtx(ctx, "Message dropped by filter", "session_key", msg.SessionKey)
		return
	}

	if err := h.dispatcher.Dispatch(ctx, msg); err != nil {
		h.logger.ErrorwCtx(ctx, "Dispatch failed",
			"dispatcher", h.dispatcher.Name(),
			"session_key", msg.SessionKey,
			"error", err,
		)
	}
}

// sendPairingCode issues a code for the denied sender and replies with it in
// the background. The webhook response never waits on the provider API.
func (h *Handler) sendPairingCode(ctx context.Context, senderID, channelID string) {
	if h.replier == nil || h.pairing == nil {
		return
	}

	code := h.pairing.IssueCode(constants.ProviderLark, senderID)
	body := fmt.Sprintf("To chat with this bot, please ask the owner to approve your pairing code: %s", code)

	sendCtx := context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			if err := errors.RecoverPanic(recover()); err != nil {
				h.logger.ErrorwCtx(sendCtx, "Pairing reply panicked", "error", err)
			}
		}()

		sendCtx, cancel := context.WithTimeout(sendCtx, dispatchTimeout)
		defer cancel()
		if _, err := h.replier.SendText(sendCtx, channelID, body); err != nil {
			h.logger.ErrorwCtx(sendCtx, "Failed to send pairing code",
				"sender_id", senderID,
				"error", err,
			)
		}
	}()
}

func (h *Handler) finish(c *gin.Context, start time.Time, outcome string, status int, body string) {
	metrics.WebhookEventsTotal.WithLabelValues(outcome).Inc()
	metrics.ObserveWebhookDuration(time.Since(start), outcome)
	c.String(status, body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
