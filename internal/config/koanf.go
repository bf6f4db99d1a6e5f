package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/chatecho/config.yaml",
}

// envMappings maps the supported environment variables to koanf paths.
var envMappings = map[string]string{
	"server_port":                "server.port",
	"port":                       "server.port",
	"allowed_origins":            "server.allowed_origins",
	"max_message_size":           "server.max_message_size",
	"send_buffer":                "server.send_buffer",
	"inbound_buffer":             "server.inbound_buffer",
	"shutdown_timeout":           "server.shutdown_timeout",
	"rate_limit_burst":           "rate_limit.burst",
	"rate_limit_refill_interval": "rate_limit.refill_interval",
	"heartbeat_ping_interval":    "heartbeat.ping_interval",
	"heartbeat_grace_period":     "heartbeat.grace_period",
	"jwt_secret":                 "auth.jwt_secret",
	"jwt_expiry":                 "auth.token_expiry",
	"store_driver":               "store.driver",
	"mongodb_uri":                "store.mongo_uri",
	"mongodb_database":           "store.mongo_database",
	"badger_path":                "store.badger_path",
	"log_level":                  "logging.level",
	"log_format":                 "logging.format",
	"log_caller":                 "logging.caller",
	"metrics_enabled":            "metrics.enabled",
	"metrics_path":               "metrics.path",
	"cors_origins":               "http.cors_origins",
	"api_rate_limit":             "http.rate_limit_per_minute",
}

// sliceConfigPaths are comma separated when they come from the environment.
var sliceConfigPaths = []string{
	"server.allowed_origins",
	"http.cors_origins",
}

// durationConfigPaths accept a bare number of seconds from the environment.
var durationConfigPaths = []string{
	"server.shutdown_timeout",
	"rate_limit.refill_interval",
	"heartbeat.ping_interval",
	"heartbeat.grace_period",
	"auth.token_expiry",
}

// Load reads defaults, then the optional config file, then the environment,
// and returns a sanitized and validated Config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}
	if err := processDurationFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps an environment variable name to a koanf path.
// Unknown variables return "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		if err := k.Set(path, parseOrigins(raw)); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func processDurationFields(k *koanf.Koanf) error {
	for _, path := range durationConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if seconds, err := strconv.Atoi(raw); err == nil {
			raw = (time.Duration(seconds) * time.Second).String()
		}
		if err := k.Set(path, raw); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
