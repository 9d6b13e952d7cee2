// Package config is the bridge daemon's configuration surface: a JSON file
// overlaid with environment variables, secrets read from env only and
// never persisted back to disk.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, matching
// operator-edited config files where a comma-separated id list sometimes
// gets typed as numbers.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the bridge daemon.
type Config struct {
	NodeID   string `json:"node_id"`
	DBPath   string `json:"db_path"`
	RedisURL string `json:"-"` // env REDIS_URL only; unset ⇒ local-mode bus

	LogLevel string `json:"log_level,omitempty"`
	Port     int    `json:"port,omitempty"`

	// GlobalSudo is the operator allowlist as written in the config file or
	// GLOBAL_SUDO. The ids are hashed on load into sudoHashes and admin
	// checks go through IsSudo, so decision points and logs only ever see
	// digests.
	GlobalSudo FlexibleStringSlice `json:"global_sudo,omitempty"`

	Storage StorageConfig `json:"storage,omitempty"`

	// Platforms holds one entry per adapter name ("discord", "telegram",
	// "whatsapp", "signal", "stoat"). Credential fields inside Settings are
	// populated from env only, per-platform, and are never written back by
	// Save.
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`

	sudoHashes map[string]struct{}

	mu sync.RWMutex
}

// StorageConfig configures the optional media store used by adapters that
// need to host attachment bytes somewhere reachable by every bridged
// network (S3-compatible object storage plus a CDN in front of it). Media
// transcoding itself is outside the bridge core's scope; this is only the
// configuration surface.
type StorageConfig struct {
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3Region    string `json:"s3_region,omitempty"`
	S3AccessKey string `json:"-"` // env S3_ACCESS_KEY only
	S3SecretKey string `json:"-"` // env S3_SECRET_KEY only
	CDNURL      string `json:"cdn_url,omitempty"`
}

// PlatformConfig is one adapter's enablement flag plus its free-form
// settings bag, handed straight to adapter.Context.Config on Init.
type PlatformConfig struct {
	Enabled  bool              `json:"enabled"`
	Settings map[string]string `json:"settings,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NodeID = src.NodeID
	c.DBPath = src.DBPath
	c.RedisURL = src.RedisURL
	c.LogLevel = src.LogLevel
	c.Port = src.Port
	c.GlobalSudo = src.GlobalSudo
	c.sudoHashes = src.sudoHashes
	c.Storage = src.Storage
	c.Platforms = src.Platforms
}

// IsSudo reports whether userID is on the operator allowlist. The
// comparison runs over the SHA-256 digests built at load time.
func (c *Config) IsSudo(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sudoHashes[hashSudoID(userID)]
	return ok
}

// Platform returns the named platform's settings bag, or an empty
// (non-nil) map if the platform has no entry — adapters can range over the
// result unconditionally.
func (c *Config) Platform(name string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.Platforms[name]; ok && p.Settings != nil {
		return p.Settings
	}
	return map[string]string{}
}

// PlatformEnabled reports whether name has an enabled entry.
func (c *Config) PlatformEnabled(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.Platforms[name]
	return ok && p.Enabled
}

// EnabledPlatforms lists every platform name with Enabled set, in no
// particular order.
func (c *Config) EnabledPlatforms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.Platforms))
	for name, p := range c.Platforms {
		if p.Enabled {
			names = append(names, name)
		}
	}
	return names
}
