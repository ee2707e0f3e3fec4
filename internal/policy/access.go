package policy

import (
	"strings"

	"larkgate/internal/constants"
)

// NormalizeEntry canonicalizes a sender id or allow-list entry: trims
// whitespace, strips a recognized provider prefix case-insensitively, and
// lowercases. "Lark:OU_abc" and "ou_ABC" compare equal.
func NormalizeEntry(entry string) string {
	normalized := strings.TrimSpace(entry)
	for _, tag := range []string{constants.ProviderLark, constants.ProviderFeishu} {
		prefix := tag + ":"
		if len(normalized) >= len(prefix) && strings.EqualFold(normalized[:len(prefix)], prefix) {
			normalized = normalized[len(prefix):]
			break
		}
	}
	return strings.ToLower(normalized)
}

// IsAllowed decides whether a direct-message sender may interact.
//
//   - "open" admits everyone.
//   - "allowlist" admits only normalized matches or the "*" wildcard; an
//     empty list denies everyone.
//   - "pairing" uses the same membership test; the caller issues a pairing
//     code on denial instead of dropping silently.
//   - An empty list denies only under "allowlist". Any other mode with an
//     empty list, and any unknown mode, defaults to allow.
func IsAllowed(senderID string, allowFrom []string, dmPolicy string) bool {
	if dmPolicy == constants.DMPolicyOpen {
		return true
	}
	if len(allowFrom) == 0 {
		return dmPolicy != constants.DMPolicyAllowlist
	}

	normalizedSender := NormalizeEntry(senderID)
	for _, entry := range allowFrom {
		if entry == "*" {
			return true
		}
		if NormalizeEntry(entry) == normalizedSender {
			return true
		}
	}
	return false
}
