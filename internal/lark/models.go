package lark

// EventEnvelope is a webhook body after optional decryption. The provider
// posts one of three shapes on the same route: an encrypted envelope, a URL
// verification challenge, or a schema 2.0 event callback.
type EventEnvelope struct {
	Encrypt string `json:"encrypt,omitempty"`

	// URL verification handshake
	Type      string `json:"type,omitempty"`
	Token     string `json:"token,omitempty"`
	Challenge string `json:"challenge,omitempty"`

	// Schema 2.0 event callback
	Schema string       `json:"schema,omitempty"`
	Header *EventHeader `json:"header,omitempty"`
	Event  *EventBody   `json:"event,omitempty"`
}

type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	CreateTime string `json:"create_time"`
}

type EventBody struct {
	Message *MessageEvent `json:"message"`
	Sender  *SenderInfo   `json:"sender"`
}

type MessageEvent struct {
	MessageID   string    `json:"message_id"`
	ChatID      string    `json:"chat_id"`
	ChatType    string    `json:"chat_type"` // "p2p" for direct chats
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"` // JSON-encoded, e.g. {"text":"..."}
	Mentions    []Mention `json:"mentions,omitempty"`
	CreateTime  string    `json:"create_time"` // epoch millis as string
}

type Mention struct {
	Key  string     `json:"key"`
	Name string     `json:"name"`
	ID   *MentionID `json:"id,omitempty"`
}

type MentionID struct {
	OpenID  string `json:"open_id"`
	UserID  string `json:"user_id"`
	UnionID string `json:"union_id"`
}

type SenderInfo struct {
	SenderID   *SenderID `json:"sender_id"`
	SenderType string    `json:"sender_type"`
}

type SenderID struct {
	OpenID  string `json:"open_id"`
	UserID  string `json:"user_id"`
	UnionID string `json:"union_id"`
}

// TextContent is the decoded shape of MessageEvent.Content for text messages.
type TextContent struct {
	Text string `json:"text"`
}
