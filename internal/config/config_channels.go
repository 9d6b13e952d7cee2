package config

// Recognized Settings keys per platform, documented here since
// PlatformConfig.Settings is a free-form map rather than a typed struct
// (the adapters themselves are the authority on what they read out of it;
// this is a reference for operators writing config.json / env).
const (
	// discord
	SettingDiscordToken = "token"

	// telegram
	SettingTelegramToken = "token"

	// whatsapp
	SettingWhatsAppBridgeURL = "bridge_url"

	// signal
	SettingSignalNumber = "number"
	SettingSignalAPIURL = "api_url"

	// stoat
	SettingStoatWSURL            = "ws_url"
	SettingStoatToken            = "token"
	SettingStoatWebhookPerMinute = "webhook_per_minute"
)
