package models

import "time"

// CanonicalMessage is the normalized handoff record for an accepted inbound
// message. Constructed once per accepted event; after handoff it is owned by
// the dispatcher and never retained by the webhook layer.
//
// SenderID is always non-empty before handoff. Body defaults to the empty
// string, never absent.
type CanonicalMessage struct {
	Body       string    `json:"body"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	From       string    `json:"from"` // "<provider>:<sender id>"
	To         string    `json:"to"`   // "<provider>:<app id>"
	ChannelID  string    `json:"channel_id"`
	SessionKey string    `json:"session_key"`
	Direct     bool      `json:"direct"`
	Provider   string    `json:"provider"`
	AccountID  string    `json:"account_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatType returns the downstream pipeline's chat-type tag.
func (m CanonicalMessage) ChatType() string {
	if m.Direct {
		return "direct"
	}
	return "group"
}
