package lark

import (
	"larkgate/internal/config"
	"larkgate/internal/constants"
)

// Credentials is the resolved provider credential set. EncryptKey and
// VerificationToken are optional; when absent the corresponding webhook
// checks are skipped.
type Credentials struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	BaseURL           string
}

// ResolveCredentials extracts credentials from the channel config. Returns
// nil when the required app id/secret pair is not configured, which the
// caller treats as "channel not usable", not an error.
func ResolveCredentials(cfg config.LarkConfig) *Credentials {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = constants.DefaultLarkBaseURL
	}

	return &Credentials{
		AppID:             cfg.AppID,
		AppSecret:         cfg.AppSecret,
		EncryptKey:        cfg.EncryptKey,
		VerificationToken: cfg.VerificationToken,
		BaseURL:           baseURL,
	}
}
