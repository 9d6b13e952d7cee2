package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults for a single local node.
func Default() *Config {
	return &Config{
		NodeID:   "node-1",
		DBPath:   "data/openchat_core.db",
		LogLevel: "info",
		Port:     8080,
	}
}

// Load reads config from a JSON5 file (comments and trailing commas
// tolerated, matching operator-edited config files), then overlays
// environment variables, which always win.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays recognized environment variables onto the
// config. Secrets (tokens, the Redis URL, storage credentials) live only
// here — they are never read from the JSON file and never written back by
// Save.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("NODE_ID", &c.NodeID)
	envStr("DB_PATH", &c.DBPath)
	envStr("REDIS_URL", &c.RedisURL)
	envStr("LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("GLOBAL_SUDO"); v != "" {
		c.GlobalSudo = strings.Split(v, ",")
	}

	envStr("S3_BUCKET", &c.Storage.S3Bucket)
	envStr("S3_REGION", &c.Storage.S3Region)
	envStr("S3_ACCESS_KEY", &c.Storage.S3AccessKey)
	envStr("S3_SECRET_KEY", &c.Storage.S3SecretKey)
	envStr("CDN_URL", &c.Storage.CDNURL)
	_ = os.Getenv("OPENAI_API_KEY") // documented surface; no current consumer

	if c.Platforms == nil {
		c.Platforms = make(map[string]PlatformConfig)
	}
	c.applyPlatformEnv("discord", "DISCORD_TOKEN", SettingDiscordToken)
	c.applyPlatformEnv("telegram", "TELEGRAM_TOKEN", SettingTelegramToken)
	c.applyPlatformEnv("whatsapp", "WHATSAPP_BRIDGE_URL", SettingWhatsAppBridgeURL)

	if v := os.Getenv("SIGNAL_PHONE"); v != "" {
		c.setPlatformSetting("signal", SettingSignalNumber, v)
	}
	c.applyPlatformEnv("signal", "SIGNAL_API_URL", SettingSignalAPIURL)

	c.applyPlatformEnv("stoat", "STOAT_TOKEN", SettingStoatToken)
	c.applyPlatformEnv("stoat", "STOAT_WS_URL", SettingStoatWSURL)

	c.rebuildSudoHashes()
}

func hashSudoID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// rebuildSudoHashes digests the GlobalSudo id list so IsSudo never
// compares raw ids. Runs on every load/env overlay.
func (c *Config) rebuildSudoHashes() {
	c.sudoHashes = make(map[string]struct{}, len(c.GlobalSudo))
	for _, id := range c.GlobalSudo {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		c.sudoHashes[hashSudoID(id)] = struct{}{}
	}
}

// applyPlatformEnv copies envKey into platform's Settings[settingKey] and
// marks the platform enabled, if envKey is set.
func (c *Config) applyPlatformEnv(platform, envKey, settingKey string) {
	v := os.Getenv(envKey)
	if v == "" {
		return
	}
	c.setPlatformSetting(platform, settingKey, v)
}

func (c *Config) setPlatformSetting(platform, key, value string) {
	p := c.Platforms[platform]
	if p.Settings == nil {
		p.Settings = make(map[string]string)
	}
	p.Settings[key] = value
	p.Enabled = true
	c.Platforms[platform] = p
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after reloading the file on disk to restore runtime
// secrets that are never persisted to it.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes cfg as indented JSON. Fields tagged `json:"-"` (every secret)
// never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 prefix of the config for optimistic concurrency
// checks across admin operations.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
