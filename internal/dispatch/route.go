package dispatch

import "fmt"

// Route identifies the conversation a message belongs to.
type Route struct {
	PeerKind   string // "dm" or "group"
	PeerID     string
	SessionKey string
}

// ResolveRoute derives the session key for a conversation. Direct chats key
// on the peer chat id under "dm", group chats under "group", so the same
// sender in two contexts maps to two sessions.
func ResolveRoute(provider string, direct bool, channelID string) Route {
	kind := "group"
	if direct {
		kind = "dm"
	}
	return Route{
		PeerKind:   kind,
		PeerID:     channelID,
		SessionKey: fmt.Sprintf("%s:%s:%s", provider, kind, channelID),
	}
}
