package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvVariables() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout_seconds", "SERVER_READ_TIMEOUT_SECONDS")
	viper.BindEnv("server.write_timeout_seconds", "SERVER_WRITE_TIMEOUT_SECONDS")

	viper.BindEnv("lark.enabled", "LARK_ENABLED")
	viper.BindEnv("lark.app_id", "LARK_APP_ID")
	viper.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	viper.BindEnv("lark.encrypt_key", "LARK_ENCRYPT_KEY")
	viper.BindEnv("lark.verification_token", "LARK_VERIFICATION_TOKEN")
	viper.BindEnv("lark.base_url", "LARK_BASE_URL")
	viper.BindEnv("lark.webhook_path", "LARK_WEBHOOK_PATH")
	viper.BindEnv("lark.bot_name", "LARK_BOT_NAME")
	viper.BindEnv("lark.dm_policy", "LARK_DM_POLICY")

	viper.BindEnv("dispatch.mode", "DISPATCH_MODE")
	viper.BindEnv("dispatch.bus.brokers", "DISPATCH_BUS_BROKERS")
	viper.BindEnv("dispatch.bus.topic", "DISPATCH_BUS_TOPIC")

	viper.BindEnv("filter.expression", "FILTER_EXPRESSION")
	viper.BindEnv("filter.on_error", "FILTER_ON_ERROR")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("DISPATCH_BUS_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Dispatch.Bus.Brokers = brokers
		}
	}

	if allowEnv := viper.GetString("LARK_ALLOW_FROM"); allowEnv != "" {
		entries := strings.Split(allowEnv, ",")
		for i := range entries {
			entries[i] = strings.TrimSpace(entries[i])
		}
		if len(entries) > 0 && entries[0] != "" {
			cfg.Lark.AllowFrom = entries
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}
