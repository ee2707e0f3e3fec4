package config

import (
	"fmt"
	"strings"

	"larkgate/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateLark(&cfg.Lark); err != nil {
		errors = append(errors, err)
	}

	if err := validateDispatch(cfg.Dispatch); err != nil {
		errors = append(errors, err)
	}

	if err := validateFilter(cfg.Filter); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateLark(cfg *LarkConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.AppID == "" || cfg.AppSecret == "" {
		return &ValidationError{
			Field:   "lark.app_id",
			Message: "app_id and app_secret are required when the channel is enabled",
		}
	}

	if cfg.WebhookPath == "" {
		cfg.WebhookPath = constants.DefaultWebhookPath
	}
	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		return &ValidationError{
			Field:   "lark.webhook_path",
			Message: fmt.Sprintf("webhook path must start with '/', got %q", cfg.WebhookPath),
		}
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultLarkBaseURL
	}
	if cfg.BotName == "" {
		cfg.BotName = constants.DefaultBotName
	}
	if cfg.DMPolicy == "" {
		cfg.DMPolicy = constants.DefaultDMPolicy
	}

	switch cfg.DMPolicy {
	case constants.DMPolicyOpen, constants.DMPolicyAllowlist, constants.DMPolicyPairing:
	default:
		// Unrecognized modes degrade to allow at evaluation time; flag them
		// here so a typo in config does not silently open the bot up.
		return &ValidationError{
			Field:   "lark.dm_policy",
			Message: fmt.Sprintf("unknown dm_policy: %s (supported: open, allowlist, pairing)", cfg.DMPolicy),
		}
	}

	return nil
}

func validateDispatch(cfg DispatchConfig) error {
	switch cfg.Mode {
	case "", constants.DispatcherReply:
		return nil
	case constants.DispatcherBus:
		if len(cfg.Bus.Brokers) == 0 {
			return &ValidationError{
				Field:   "dispatch.bus.brokers",
				Message: "at least one broker is required in bus mode",
			}
		}
		for i, broker := range cfg.Bus.Brokers {
			if broker == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("dispatch.bus.brokers[%d]", i),
					Message: "broker address cannot be empty",
				}
			}
		}
		return nil
	default:
		return &ValidationError{
			Field:   "dispatch.mode",
			Message: fmt.Sprintf("unknown dispatch mode: %s (supported: reply, bus)", cfg.Mode),
		}
	}
}

func validateFilter(cfg FilterConfig) error {
	switch cfg.OnError {
	case "", constants.FallbackAllow, constants.FallbackDeny:
		return nil
	default:
		return &ValidationError{
			Field:   "filter.on_error",
			Message: fmt.Sprintf("unknown on_error fallback: %s (supported: allow, deny)", cfg.OnError),
		}
	}
}
