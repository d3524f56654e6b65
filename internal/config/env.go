package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaycrm/internal/logger"
)

func applyEnv(cfg *Config) {
	stringEnv(&cfg.Server.Addr, "ADDR")
	cfg.Server.ReadTimeout = durationEnv(EnvPrefix+"READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = durationEnv(EnvPrefix+"WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.MaxBodyBytes = int64Env(EnvPrefix+"MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)
	cfg.Server.RateLimitPerMinute = intEnv(EnvPrefix+"RATE_LIMIT_PER_MINUTE", cfg.Server.RateLimitPerMinute)
	cfg.Server.RateLimitBurst = intEnv(EnvPrefix+"RATE_LIMIT_BURST", cfg.Server.RateLimitBurst)

	stringEnv(&cfg.Auth.JWTSecret, "JWT_SECRET")
	cfg.Auth.AllowHeaderIdentity = boolEnv(EnvPrefix+"ALLOW_HEADER_IDENTITY", cfg.Auth.AllowHeaderIdentity)
	cfg.Auth.AllowQueryIdentity = boolEnv(EnvPrefix+"ALLOW_QUERY_IDENTITY", cfg.Auth.AllowQueryIdentity)
	stringEnv(&cfg.Auth.WebhookSecret, "WEBHOOK_SECRET")
	cfg.Auth.WebhookMaxSkew = durationEnv(EnvPrefix+"WEBHOOK_MAX_SKEW", cfg.Auth.WebhookMaxSkew)

	stringEnv(&cfg.Store.DSN, "STORE_DSN")
	stringEnv(&cfg.Store.Profile, "BACKEND_PROFILE")
	stringEnv(&cfg.Store.DataDir, "DATA_DIR")
	stringEnv(&cfg.Store.ProductionDSN, "PRODUCTION_DSN")
	listEnv(&cfg.Store.SearchFields, "SEARCH_FIELDS")
	cfg.Store.PageSize = intEnv(EnvPrefix+"PAGE_SIZE", cfg.Store.PageSize)
	cfg.Store.ImportConcurrency = intEnv(EnvPrefix+"IMPORT_CONCURRENCY", cfg.Store.ImportConcurrency)

	stringEnv(&cfg.Integration.BaseURL, "INTEGRATION_BASE_URL")
	stringEnv(&cfg.Integration.WorkspaceKey, "INTEGRATION_WORKSPACE_KEY")
	stringEnv(&cfg.Integration.WorkspaceSecret, "INTEGRATION_WORKSPACE_SECRET")
	cfg.Integration.Timeout = durationEnv(EnvPrefix+"INTEGRATION_TIMEOUT", cfg.Integration.Timeout)
	cfg.Integration.TokenTTL = durationEnv(EnvPrefix+"INTEGRATION_TOKEN_TTL", cfg.Integration.TokenTTL)

	listEnv(&cfg.Import.Actions, "IMPORT_ACTIONS")

	stringEnv(&cfg.Downstream.WebhookURL, "DOWNSTREAM_WEBHOOK_URL")
	cfg.Downstream.Timeout = durationEnv(EnvPrefix+"DOWNSTREAM_TIMEOUT", cfg.Downstream.Timeout)

	stringEnv(&cfg.Log.Level, "LOG_LEVEL")
	stringEnv(&cfg.Log.Format, "LOG_FORMAT")
}

func stringEnv(dst *string, suffix string) {
	if raw, ok := os.LookupEnv(EnvPrefix + suffix); ok {
		*dst = strings.TrimSpace(raw)
	}
}

func listEnv(dst *[]string, suffix string) {
	raw, ok := os.LookupEnv(EnvPrefix + suffix)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.L.Warn("invalid integer env, using fallback", slog.String("name", name), slog.String("value", raw), slog.Int("fallback", fallback))
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.L.Warn("invalid integer env, using fallback", slog.String("name", name), slog.String("value", raw), slog.Int64("fallback", fallback))
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.L.Warn("invalid duration env, using fallback", slog.String("name", name), slog.String("value", raw), slog.Duration("fallback", fallback))
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.L.Warn("invalid boolean env, using fallback", slog.String("name", name), slog.String("value", raw), slog.Bool("fallback", fallback))
		return fallback
	}
	return value
}
