package app

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"tenantbridge/internal/securestore"
	"tenantbridge/internal/tenant"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StorageType represents the secure-storage backends.
type StorageType string

const (
	StorageTypeKeyring StorageType = "keyring"
	StorageTypeFile    StorageType = "file"
)

// Default configuration values
const (
	DefaultConfigLogFormat       = LogFormatText
	DefaultConfigServerHost      = "127.0.0.1"
	DefaultConfigServerPort      = 4280
	DefaultConfigShutdownTimeout = 5 * time.Second
	DefaultConfigStorageType     = StorageTypeKeyring
	DefaultConfigKeyringService  = "tenantbridge"
	DefaultConfigSweepInterval   = 3 * time.Minute
	DefaultConfigLookahead       = 10 * time.Minute
	DefaultConfigAuthority       = "https://login.microsoftonline.com/organizations"
)

// defaultScopes are requested when a slot doesn't configure its own.
// offline_access is what yields a refresh token.
var defaultScopes = []string{"openid", "profile", "offline_access"}

// ServerConfig holds facade server configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type

	// AntiForgeryToken must accompany state-changing requests in the
	// X-Antiforgery-Token header. Generated at startup when unset.
	AntiForgeryToken string `json:"antiforgery_token"`
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// RefreshConfig controls proactive token refresh.
type RefreshConfig struct {
	// SweepInterval is how often the scheduler checks both slots.
	SweepInterval time.Duration `json:"sweep_interval"`
	// Lookahead is the minimum remaining validity GetToken guarantees.
	Lookahead time.Duration `json:"lookahead"`
}

// StorageConfig describes how to construct the SecureStore.
type StorageConfig struct {
	Type StorageType `json:"type" validate:"required,oneof=keyring file"`

	// Backend-specific settings (mutually exclusive based on Type)
	KeyringService string `json:"keyring_service,omitempty"` // For keyring storage
	Dir            string `json:"dir,omitempty"`             // For file storage: directory for encrypted files
	Key            string `json:"key,omitempty"`             // For file storage: hex-encoded 32-byte AES key
}

// NewSecureStore creates a SecureStore from the storage configuration.
func (s *StorageConfig) NewSecureStore() (securestore.Store, error) {
	switch s.Type {
	case StorageTypeKeyring:
		return securestore.NewKeyringStore(s.KeyringService)
	case StorageTypeFile:
		key, err := hex.DecodeString(s.Key)
		if err != nil {
			return nil, fmt.Errorf("storage.key must be hex: %w", err)
		}
		cipher, err := securestore.NewAESGCMCipher(key)
		if err != nil {
			return nil, err
		}
		return securestore.NewFileStore(s.Dir, cipher)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", s.Type)
	}
}

// SlotConfig is the per-tenant-slot provider registration.
type SlotConfig struct {
	// ClientID is the public OAuth client identifier.
	ClientID string `json:"client_id" validate:"required"`

	// Authority is the provider base URL the device-code and token endpoints
	// derive from.
	Authority string `json:"authority" validate:"required,url"`

	// Scopes requested during sign-in.
	Scopes []string `json:"scopes" validate:"min=1"`

	// TenantID is the expected tenant for the slot, when known in advance.
	// Empty accepts any tenant; the first observed one is recorded.
	TenantID string `json:"tenant_id,omitempty"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel  slog.Level     `json:"log_level"`
	LogFormat LogFormat      `json:"log_format" validate:"oneof=text json"`
	Server    ServerConfig   `json:"server"`
	Shutdown  ShutdownConfig `json:"shutdown"`
	Refresh   RefreshConfig  `json:"refresh"`
	Storage   StorageConfig  `json:"storage"`
	Source    SlotConfig     `json:"source"`
	Target    SlotConfig     `json:"target"`
}

// Slot returns the configuration for a tenant slot.
func (c *Config) Slot(slot tenant.Slot) SlotConfig {
	if slot == tenant.SlotTarget {
		return c.Target
	}
	return c.Source
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Refresh.SweepInterval == 0 {
		c.Refresh.SweepInterval = DefaultConfigSweepInterval
	}
	if c.Refresh.Lookahead == 0 {
		c.Refresh.Lookahead = DefaultConfigLookahead
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultConfigStorageType
	}

	// Dynamic defaults based on storage type
	switch c.Storage.Type {
	case StorageTypeKeyring:
		if c.Storage.KeyringService == "" {
			c.Storage.KeyringService = DefaultConfigKeyringService
		}
	case StorageTypeFile:
		if c.Storage.Dir == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("storage.dir required (auto-detect failed: %w)", err)
			}
			c.Storage.Dir = filepath.Join(configDir, "tenantbridge", "secrets")
		}
		// storage.key must be explicitly configured (no sensible default)
	}

	for _, sc := range []*SlotConfig{&c.Source, &c.Target} {
		if sc.Authority == "" {
			sc.Authority = DefaultConfigAuthority
		}
		if len(sc.Scopes) == 0 {
			sc.Scopes = append([]string{}, defaultScopes...)
		}
	}

	return nil
}

// Validate validates the configuration using struct tags plus the
// cross-field constraints the tags can't express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	// The scheduler must sweep more often than the lookahead window, or a
	// token can slip past its refresh point between sweeps.
	if c.Refresh.SweepInterval >= c.Refresh.Lookahead {
		return errors.New("refresh.sweep_interval must be shorter than refresh.lookahead")
	}

	switch c.Storage.Type {
	case StorageTypeKeyring:
		if c.Storage.KeyringService == "" {
			return errors.New("keyring_service required for keyring storage")
		}
	case StorageTypeFile:
		if c.Storage.Dir == "" {
			return errors.New("dir required for file storage")
		}
		key, err := hex.DecodeString(c.Storage.Key)
		if err != nil || len(key) != 32 {
			return errors.New("key must be 64 hex characters (32 bytes) for file storage")
		}
	}

	return nil
}
