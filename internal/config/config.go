// Package config loads relaycrm settings from a YAML file and RELAYCRM_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "RELAYCRM_"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Store       StoreConfig       `yaml:"store"`
	Integration IntegrationConfig `yaml:"integration"`
	Import      ImportConfig      `yaml:"import"`
	Downstream  DownstreamConfig  `yaml:"downstream"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	// RateLimitPerMinute is the per-customer request budget; 0 disables it.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
	RateLimitBurst     int `yaml:"rateLimitBurst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	// AllowHeaderIdentity trusts X-Customer-Id when no bearer token is sent.
	AllowHeaderIdentity bool `yaml:"allowHeaderIdentity"`
	// AllowQueryIdentity trusts ?customerId= when nothing else identifies the caller.
	AllowQueryIdentity bool `yaml:"allowQueryIdentity"`
	// WebhookSecret, when set, requires signed platform callbacks.
	WebhookSecret  string        `yaml:"webhookSecret"`
	WebhookMaxSkew time.Duration `yaml:"webhookMaxSkew"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
	// Profile picks a DSN when none is set: memory, durable-local or production.
	Profile           string   `yaml:"profile"`
	DataDir           string   `yaml:"dataDir"`
	ProductionDSN     string   `yaml:"productionDsn"`
	SearchFields      []string `yaml:"searchFields"`
	PageSize          int      `yaml:"pageSize"`
	ImportConcurrency int      `yaml:"importConcurrency"`
}

type IntegrationConfig struct {
	BaseURL         string        `yaml:"baseUrl"`
	WorkspaceKey    string        `yaml:"workspaceKey"`
	WorkspaceSecret string        `yaml:"workspaceSecret"`
	Timeout         time.Duration `yaml:"timeout"`
	TokenTTL        time.Duration `yaml:"tokenTtl"`
}

type ImportConfig struct {
	Actions []string `yaml:"actions"`
}

type DownstreamConfig struct {
	WebhookURL string        `yaml:"webhookUrl"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Reloadable is the subset of settings applied without a restart.
type Reloadable struct {
	DownstreamURL string
	ImportActions []string
	LogLevel      string
}

func (c *Config) Reloadable() Reloadable {
	return Reloadable{
		DownstreamURL: c.Downstream.WebhookURL,
		ImportActions: append([]string(nil), c.Import.Actions...),
		LogLevel:      c.Log.Level,
	}
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			MaxBodyBytes:   1 << 20,
			RateLimitBurst: 20,
		},
		Auth: AuthConfig{AllowHeaderIdentity: true, WebhookMaxSkew: 5 * time.Minute},
		Store: StoreConfig{
			DataDir:           ".relaycrm",
			PageSize:          100,
			ImportConcurrency: 8,
		},
		Integration: IntegrationConfig{
			Timeout:  30 * time.Second,
			TokenTTL: 2 * time.Hour,
		},
		Import:     ImportConfig{Actions: []string{"get-contacts"}},
		Downstream: DownstreamConfig{Timeout: 10 * time.Second},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), applies environment overrides, resolves the
// storage profile and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.resolveStoreDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) resolveStoreDSN() error {
	if strings.TrimSpace(c.Store.DSN) != "" {
		return nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.Store.Profile))
	dataDir := strings.TrimSpace(c.Store.DataDir)
	if dataDir == "" {
		dataDir = ".relaycrm"
	}
	switch profile {
	case "", "custom", "memory", "inmemory":
		c.Store.DSN = "memory://"
	case "durable-local", "local-durable":
		c.Store.DSN = "sqlite://" + filepath.Join(dataDir, "records.db")
	case "production", "prod":
		if strings.TrimSpace(c.Store.ProductionDSN) == "" {
			return fmt.Errorf("store.productionDsn (%sPRODUCTION_DSN) is required when store.profile=%s", EnvPrefix, profile)
		}
		c.Store.DSN = c.Store.ProductionDSN
	default:
		return fmt.Errorf("unsupported store profile: %s", profile)
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		problems = append(problems, "server rate limits must not be negative")
	}
	if c.Store.PageSize < 0 || c.Store.ImportConcurrency < 0 {
		problems = append(problems, "store.pageSize and store.importConcurrency must not be negative")
	}
	if c.Integration.BaseURL != "" && (c.Integration.WorkspaceKey == "" || c.Integration.WorkspaceSecret == "") {
		problems = append(problems, "integration.workspaceKey and integration.workspaceSecret are required with integration.baseUrl")
	}
	if c.Auth.WebhookSecret != "" && c.Auth.WebhookMaxSkew <= 0 {
		problems = append(problems, "auth.webhookMaxSkew must be positive when auth.webhookSecret is set")
	}
	if !c.Auth.AllowHeaderIdentity && !c.Auth.AllowQueryIdentity && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth needs a jwtSecret or at least one trusted identity source")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
