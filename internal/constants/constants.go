package constants

import "time"

const (
	// Provider retries a delivery it has not seen acknowledged. Ids older than
	// the window are swept; a retry arriving after that is processed as new.
	DedupWindow        = 10 * time.Minute
	DedupSweepInterval = 10 * time.Minute
)

const (
	DefaultWebhookPort = 3000
	DefaultWebhookPath = "/lark/webhook"
	DefaultBotName     = "Clawdbot"
	DefaultDMPolicy    = "pairing"
	DefaultSenderName  = "Lark User"
)

const (
	EventTypeMessageReceive = "im.message.receive_v1"
	EventSchemaV2           = "2.0"
	ChatTypeDirect          = "p2p"
)

const (
	ProviderLark   = "lark"
	ProviderFeishu = "feishu"
)

const (
	DefaultLarkBaseURL = "https://open.larksuite.com"
	TenantTokenPath    = "/open-apis/auth/v3/tenant_access_token/internal"
	SendMessagePath    = "/open-apis/im/v1/messages"
	DefaultHTTPTimeout = 10 * time.Second
	TokenExpirySlack   = 60 * time.Second
	PairingCodeTTL     = 15 * time.Minute
)

const (
	DMPolicyOpen      = "open"
	DMPolicyAllowlist = "allowlist"
	DMPolicyPairing   = "pairing"
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	DispatcherReply = "reply"
	DispatcherBus   = "bus"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
	DefaultBusTopic   = "inbound_messages"
)

const (
	ShutdownTimeout = 5 * time.Second
)
