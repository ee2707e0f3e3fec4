package webhook

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/internal/dedup"
	"larkgate/internal/filter"
	"larkgate/internal/lark"
	"larkgate/internal/logger"
	"larkgate/internal/pairing"
	"larkgate/pkg/models"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []models.CanonicalMessage
}

func (d *fakeDispatcher) Name() string { return "fake" }

func (d *fakeDispatcher) Dispatch(_ context.Context, msg models.CanonicalMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return nil
}

func (d *fakeDispatcher) Close() error { return nil }

func (d *fakeDispatcher) dispatched() []models.CanonicalMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.CanonicalMessage, len(d.messages))
	copy(out, d.messages)
	return out
}

type fakeReplier struct {
	mu       sync.Mutex
	sentTo   []string
	sentText []string
}

func (r *fakeReplier) SendText(_ context.Context, to, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sentTo = append(r.sentTo, to)
	r.sentText = append(r.sentText, text)
	return "om_reply", nil
}

type testHarness struct {
	handler    *Handler
	router     *gin.Engine
	dispatcher *fakeDispatcher
	replier    *fakeReplier
}

func defaultLarkConfig() config.LarkConfig {
	return config.LarkConfig{
		Enabled:           true,
		AppID:             "cli_app1",
		AppSecret:         "secret",
		VerificationToken: "vtok",
		WebhookPath:       "/lark/webhook",
		BotName:           "Clawdbot",
		DMPolicy:          "open",
	}
}

func newHarness(t *testing.T, cfg config.LarkConfig, filterCfg config.FilterConfig) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NopLogger()
	evaluator, err := filter.New(filterCfg, log)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	replier := &fakeReplier{}
	handler := NewHandler(Options{
		Config:     cfg,
		Creds:      lark.ResolveCredentials(cfg),
		Events:     dedup.NewCache("events", constants.DedupWindow, constants.DedupSweepInterval, nil, log),
		Messages:   dedup.NewCache("messages", constants.DedupWindow, constants.DedupSweepInterval, nil, log),
		Pairing:    pairing.NewRegistry(constants.PairingCodeTTL, log),
		Filter:     evaluator,
		Dispatcher: dispatcher,
		Replier:    replier,
		Logger:     log,
	})

	router := gin.New()
	handler.RegisterRoutes(router)

	return &testHarness{
		handler:    handler,
		router:     router,
		dispatcher: dispatcher,
		replier:    replier,
	}
}

func (h *testHarness) post(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/lark/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

type eventOpts struct {
	eventID   string
	messageID string
	chatID    string
	chatType  string
	content   string
	openID    string
	userID    string
	mentions  []map[string]any
	token     string
}

func messageEvent(opts eventOpts) []byte {
	if opts.token == "" {
		opts.token = "vtok"
	}
	senderID := map[string]any{}
	if opts.openID != "" {
		senderID["open_id"] = opts.openID
	}
	if opts.userID != "" {
		senderID["user_id"] = opts.userID
	}
	payload := map[string]any{
		"schema": "2.0",
		"header": map[string]any{
			"event_id":    opts.eventID,
			"event_type":  "im.message.receive_v1",
			"token":       opts.token,
			"app_id":      "cli_app1",
			"create_time": "1700000000000",
		},
		"event": map[string]any{
			"message": map[string]any{
				"message_id":   opts.messageID,
				"chat_id":      opts.chatID,
				"chat_type":    opts.chatType,
				"message_type": "text",
				"content":      opts.content,
				"mentions":     opts.mentions,
				"create_time":  "1700000000000",
			},
			"sender": map[string]any{
				"sender_id":   senderID,
				"sender_type": "user",
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func groupMessage(eventID, messageID, text string) []byte {
	return messageEvent(eventOpts{
		eventID:   eventID,
		messageID: messageID,
		chatID:    "oc_group1",
		chatType:  "group",
		content:   fmt.Sprintf(`{"text":%q}`, text),
		openID:    "ou_sender1",
		mentions:  []map[string]any{{"key": "@_user_1", "name": "Clawdbot"}},
	})
}

func directMessage(eventID, messageID, openID, text string) []byte {
	return messageEvent(eventOpts{
		eventID:   eventID,
		messageID: messageID,
		chatID:    "oc_dm1",
		chatType:  "p2p",
		content:   fmt.Sprintf(`{"text":%q}`, text),
		openID:    openID,
	})
}

func TestURLVerificationEcho(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	body, _ := json.Marshal(map[string]string{
		"type":      "url_verification",
		"token":     "vtok",
		"challenge": "chal-123",
	})
	rec := h.post(t, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"chal-123"}`, rec.Body.String())
}

func TestURLVerificationRejectsBadToken(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	body, _ := json.Marshal(map[string]string{
		"type":      "url_verification",
		"token":     "wrong",
		"challenge": "chal-123",
	})
	rec := h.post(t, body)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid verification token", rec.Body.String())
}

func TestURLVerificationSkipsCheckWithoutConfiguredToken(t *testing.T) {
	cfg := defaultLarkConfig()
	cfg.VerificationToken = ""
	h := newHarness(t, cfg, config.FilterConfig{})

	body, _ := json.Marshal(map[string]string{
		"type":      "url_verification",
		"token":     "anything",
		"challenge": "chal-123",
	})
	rec := h.post(t, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"chal-123"}`, rec.Body.String())
}

func TestMalformedJSONBody(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, []byte(`{"schema": "2.0",`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid payload", rec.Body.String())
}

func TestSchemaV2RequiresHeaderAndEvent(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, []byte(`{"schema":"2.0","header":{"event_type":"im.message.receive_v1","token":"vtok"}}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid payload", rec.Body.String())
}

func TestEventCallbackRejectsBadToken(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, messageEvent(eventOpts{
		eventID:   "evt1",
		messageID: "om_1",
		chatID:    "oc_group1",
		chatType:  "group",
		content:   `{"text":"hi"}`,
		openID:    "ou_sender1",
		token:     "wrong",
	}))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid verification token", rec.Body.String())
	assert.Empty(t, h.dispatcher.dispatched())
}

func TestIgnoresOtherEventTypes(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	body := []byte(`{
		"schema": "2.0",
		"header": {"event_id":"evt1","event_type":"im.chat.updated_v1","token":"vtok"},
		"event": {}
	}`)
	rec := h.post(t, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())
}

func TestGroupMessageWithMentionIsDispatched(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, groupMessage("evt1", "om_1", "hello Clawdbot"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	h.handler.Wait()
	dispatched := h.dispatcher.dispatched()
	require.Len(t, dispatched, 1)

	msg := dispatched[0]
	assert.Equal(t, "hello Clawdbot", msg.Body)
	assert.Equal(t, "ou_sender1", msg.SenderID)
	assert.Equal(t, "Lark User", msg.SenderName)
	assert.Equal(t, "lark:ou_sender1", msg.From)
	assert.Equal(t, "lark:cli_app1", msg.To)
	assert.Equal(t, "oc_group1", msg.ChannelID)
	assert.Equal(t, "lark:group:oc_group1", msg.SessionKey)
	assert.False(t, msg.Direct)
	assert.Equal(t, "lark", msg.Provider)
	assert.Equal(t, "cli_app1", msg.AccountID)
	assert.Equal(t, time.UnixMilli(1700000000000).Unix(), msg.Timestamp.Unix())
}

func TestGroupMessageWithoutMentionIsIgnored(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, messageEvent(eventOpts{
		eventID:   "evt1",
		messageID: "om_1",
		chatID:    "oc_group1",
		chatType:  "group",
		content:   `{"text":"general chatter"}`,
		openID:    "ou_sender1",
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())
}

func TestGroupMessageWithBotNameSubstringIsDispatched(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, messageEvent(eventOpts{
		eventID:   "evt1",
		messageID: "om_1",
		chatID:    "oc_group1",
		chatType:  "group",
		content:   `{"text":"hey Clawdbot, status?"}`,
		openID:    "ou_sender1",
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

func TestDuplicateEventIDIsSuppressed(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	h.post(t, groupMessage("evt1", "om_1", "hello Clawdbot"))
	rec := h.post(t, groupMessage("evt1", "om_2", "hello Clawdbot"))

	assert.Equal(t, http.StatusOK, rec.Code)
	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

func TestDuplicateMessageIDIsSuppressed(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	h.post(t, groupMessage("evt1", "om_1", "hello Clawdbot"))
	rec := h.post(t, groupMessage("evt2", "om_1", "hello Clawdbot"))

	assert.Equal(t, http.StatusOK, rec.Code)
	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

func TestConcurrentDuplicateDeliveriesDispatchOnce(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Same message id under distinct event ids, as provider retries
			// can arrive.
			h.post(t, groupMessage(fmt.Sprintf("evt%d", n), "om_same", "hello Clawdbot"))
		}(i)
	}
	wg.Wait()

	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

func TestMissingMessageOrSenderIsAcked(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	body := []byte(`{
		"schema": "2.0",
		"header": {"event_id":"evt1","event_type":"im.message.receive_v1","token":"vtok"},
		"event": {}
	}`)
	rec := h.post(t, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())
}

func TestMalformedContentIsAcked(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, messageEvent(eventOpts{
		eventID:   "evt1",
		messageID: "om_1",
		chatID:    "oc_group1",
		chatType:  "group",
		content:   `{"text": not-json`,
		openID:    "ou_sender1",
		mentions:  []map[string]any{{"key": "@_user_1", "name": "Clawdbot"}},
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())
}

func TestUnidentifiableSenderIsAcked(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	rec := h.post(t, messageEvent(eventOpts{
		eventID:   "evt1",
		messageID: "om_1",
		chatID:    "oc_group1",
		chatType:  "group",
		content:   `{"text":"hello Clawdbot"}`,
	}))

	assert.Equal(t, http.StatusOK, rec.Code)
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())
}

func TestDirectMessageUsesSenderAsChannel(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	h.post(t, directMessage("evt1", "om_1", "ou_sender1", "hi there"))

	h.handler.Wait()
	dispatched := h.dispatcher.dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "ou_sender1", dispatched[0].ChannelID)
	assert.Equal(t, "lark:dm:ou_sender1", dispatched[0].SessionKey)
	assert.True(t, dispatched[0].Direct)
}

func TestDirectMessageFallsBackToUserID(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	h.post(t, messageEvent(eventOpts{
		eventID:   "evt1",
		messageID: "om_1",
		chatID:    "oc_dm1",
		chatType:  "p2p",
		content:   `{"text":"hi"}`,
		userID:    "u_123",
	}))

	h.handler.Wait()
	dispatched := h.dispatcher.dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, "u_123", dispatched[0].SenderID)
	assert.Equal(t, "u_123", dispatched[0].SenderName)
}

func TestAllowlistPolicyBlocksUnlistedSender(t *testing.T) {
	cfg := defaultLarkConfig()
	cfg.DMPolicy = "allowlist"
	cfg.AllowFrom = []string{"ou_friend"}
	h := newHarness(t, cfg, config.FilterConfig{})

	rec := h.post(t, directMessage("evt1", "om_1", "ou_stranger", "let me in"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())
	assert.Empty(t, h.replier.sentTo, "allowlist denial sends no pairing code")
}

func TestAllowlistPolicyAdmitsListedSender(t *testing.T) {
	cfg := defaultLarkConfig()
	cfg.DMPolicy = "allowlist"
	cfg.AllowFrom = []string{"lark:OU_FRIEND"}
	h := newHarness(t, cfg, config.FilterConfig{})

	h.post(t, directMessage("evt1", "om_1", "ou_friend", "hello"))

	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

func TestPairingPolicySendsCodeOnDenial(t *testing.T) {
	cfg := defaultLarkConfig()
	cfg.DMPolicy = "pairing"
	cfg.AllowFrom = []string{"ou_friend"}
	h := newHarness(t, cfg, config.FilterConfig{})

	rec := h.post(t, directMessage("evt1", "om_1", "ou_stranger", "let me in"))

	assert.Equal(t, http.StatusOK, rec.Code)
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())

	require.Len(t, h.replier.sentTo, 1)
	assert.Equal(t, "ou_stranger", h.replier.sentTo[0])
	assert.Contains(t, h.replier.sentText[0], "approve your pairing code:")
}

func TestGroupMessagesBypassDMPolicy(t *testing.T) {
	cfg := defaultLarkConfig()
	cfg.DMPolicy = "allowlist"
	cfg.AllowFrom = []string{"ou_friend"}
	h := newHarness(t, cfg, config.FilterConfig{})

	h.post(t, groupMessage("evt1", "om_1", "hello Clawdbot"))

	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

func TestFilterDropsMessageAfterAck(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{
		Expression: `body.contains("deploy")`,
	})

	rec := h.post(t, groupMessage("evt1", "om_1", "hello Clawdbot"))

	assert.Equal(t, http.StatusOK, rec.Code, "filter drop still acks")
	h.handler.Wait()
	assert.Empty(t, h.dispatcher.dispatched())

	h.post(t, groupMessage("evt2", "om_2", "Clawdbot deploy staging"))
	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

// encryptEnvelope mirrors the provider's AES-256-CBC scheme: key is the
// SHA-256 of the encrypt key, a random IV is prepended, padding is PKCS#7.
func encryptEnvelope(t *testing.T, plaintext []byte, encryptKey string) string {
	t.Helper()

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)

	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext), len(plaintext)+padding)
	copy(padded, plaintext)
	for i := 0; i < padding; i++ {
		padded = append(padded, byte(padding))
	}

	iv := bytes.Repeat([]byte{0x24}, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(append(iv, ciphertext...))
}

func TestEncryptedEnvelopeIsDecryptedAndProcessed(t *testing.T) {
	cfg := defaultLarkConfig()
	cfg.EncryptKey = "enc-key"
	h := newHarness(t, cfg, config.FilterConfig{})

	inner := groupMessage("evt1", "om_1", "hello Clawdbot")
	body, _ := json.Marshal(map[string]string{
		"encrypt": encryptEnvelope(t, inner, "enc-key"),
	})
	rec := h.post(t, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	h.handler.Wait()
	assert.Len(t, h.dispatcher.dispatched(), 1)
}

func TestUndecryptableEnvelopeIsRejected(t *testing.T) {
	cfg := defaultLarkConfig()
	cfg.EncryptKey = "enc-key"
	h := newHarness(t, cfg, config.FilterConfig{})

	inner := groupMessage("evt1", "om_1", "hello Clawdbot")
	body, _ := json.Marshal(map[string]string{
		"encrypt": encryptEnvelope(t, inner, "a-different-key"),
	})
	rec := h.post(t, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Decryption failed", rec.Body.String())
}

func TestEncryptedEnvelopeIgnoredWithoutConfiguredKey(t *testing.T) {
	h := newHarness(t, defaultLarkConfig(), config.FilterConfig{})

	body, _ := json.Marshal(map[string]string{"encrypt": "opaque"})
	rec := h.post(t, body)

	// Without a configured key the envelope cannot be opened, so it falls
	// through as an unrecognized payload.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
