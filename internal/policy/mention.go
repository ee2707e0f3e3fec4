package policy

import (
	"strings"

	"larkgate/internal/lark"
)

// IsAddressedToBot reports whether a group message is directed at the bot.
// Any mention counts: the platform only delivers group messages carrying a
// mention when the bot is tagged, and the bot's own open_id is not available
// here to match identities strictly. A case-sensitive bot-name substring in
// the text also counts, covering clients that do not emit mention entries.
func IsAddressedToBot(text string, mentions []lark.Mention, botName string) bool {
	if len(mentions) > 0 {
		return true
	}
	return botName != "" && strings.Contains(text, botName)
}
