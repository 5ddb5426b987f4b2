package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so ID lists can contain both "123456" and 123456.
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

type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
	Media    MediaConfig    `json:"media"`
	mu       sync.RWMutex
}

type GatewayConfig struct {
	Workspace string `json:"workspace" env:"ONEBRIDGE_GATEWAY_WORKSPACE"`
}

type ChannelsConfig struct {
	OneBot OneBotConfig `json:"onebot"`
}

// OneBotConfig configures one OneBot v11 account connection. The gateway
// owns exactly one connection per configured account; caches inside the
// channel are scoped to that account instance.
type OneBotConfig struct {
	Enabled     bool   `json:"enabled" env:"ONEBRIDGE_CHANNELS_ONEBOT_ENABLED"`
	Debug       bool   `json:"debug" env:"ONEBRIDGE_CHANNELS_ONEBOT_DEBUG"`
	AccountID   string `json:"account_id" env:"ONEBRIDGE_CHANNELS_ONEBOT_ACCOUNT_ID"`
	WSUrl       string `json:"ws_url" env:"ONEBRIDGE_CHANNELS_ONEBOT_WS_URL"`
	AccessToken string `json:"access_token" env:"ONEBRIDGE_CHANNELS_ONEBOT_ACCESS_TOKEN"`

	RequireMention      bool                `json:"require_mention" env:"ONEBRIDGE_CHANNELS_ONEBOT_REQUIRE_MENTION"`
	KeywordTriggers     FlexibleStringSlice `json:"keyword_triggers" env:"ONEBRIDGE_CHANNELS_ONEBOT_KEYWORD_TRIGGERS"`
	EnableDeduplication bool                `json:"enable_deduplication" env:"ONEBRIDGE_CHANNELS_ONEBOT_ENABLE_DEDUPLICATION"`
	EnableGuilds        bool                `json:"enable_guilds" env:"ONEBRIDGE_CHANNELS_ONEBOT_ENABLE_GUILDS"`
	AutoApproveRequests bool                `json:"auto_approve_requests" env:"ONEBRIDGE_CHANNELS_ONEBOT_AUTO_APPROVE_REQUESTS"`
	HistoryLimit        int                 `json:"history_limit" env:"ONEBRIDGE_CHANNELS_ONEBOT_HISTORY_LIMIT"`

	MaxMessageLength int  `json:"max_message_length" env:"ONEBRIDGE_CHANNELS_ONEBOT_MAX_MESSAGE_LENGTH"`
	FormatMarkdown   bool `json:"format_markdown" env:"ONEBRIDGE_CHANNELS_ONEBOT_FORMAT_MARKDOWN"`
	AntiRiskMode     bool `json:"anti_risk_mode" env:"ONEBRIDGE_CHANNELS_ONEBOT_ANTI_RISK_MODE"`
	RateLimitMs      int  `json:"rate_limit_ms" env:"ONEBRIDGE_CHANNELS_ONEBOT_RATE_LIMIT_MS"`

	AllowGroups  FlexibleStringSlice `json:"allow_groups" env:"ONEBRIDGE_CHANNELS_ONEBOT_ALLOW_GROUPS"`
	AllowFrom    FlexibleStringSlice `json:"allow_from" env:"ONEBRIDGE_CHANNELS_ONEBOT_ALLOW_FROM"`
	BlockedUsers FlexibleStringSlice `json:"blocked_users" env:"ONEBRIDGE_CHANNELS_ONEBOT_BLOCKED_USERS"`
}

// MediaConfig is the policy surface of the media resolver. TrustedImageHosts
// is configuration rather than code: the platform CDN host list changes
// over time. A leading "*." entry matches any subdomain.
type MediaConfig struct {
	TrustedImageHosts FlexibleStringSlice `json:"trusted_image_hosts" env:"ONEBRIDGE_MEDIA_TRUSTED_IMAGE_HOSTS"`
	AllowedLocalDirs  FlexibleStringSlice `json:"allowed_local_dirs" env:"ONEBRIDGE_MEDIA_ALLOWED_LOCAL_DIRS"`
	AudioFallbackDir  string              `json:"audio_fallback_dir" env:"ONEBRIDGE_MEDIA_AUDIO_FALLBACK_DIR"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Workspace: "~/.onebridge/workspace",
		},
		Channels: ChannelsConfig{
			OneBot: OneBotConfig{
				Enabled:             false,
				AccountID:           "default",
				WSUrl:               "ws://127.0.0.1:3001",
				AccessToken:         "",
				RequireMention:      true,
				EnableDeduplication: true,
				EnableGuilds:        true,
				AutoApproveRequests: false,
				HistoryLimit:        0,
				MaxMessageLength:    4000,
				RateLimitMs:         1000,
				KeywordTriggers:     FlexibleStringSlice{},
				AllowGroups:         FlexibleStringSlice{},
				AllowFrom:           FlexibleStringSlice{},
				BlockedUsers:        FlexibleStringSlice{},
			},
		},
		Media: MediaConfig{
			TrustedImageHosts: FlexibleStringSlice{
				"qq.com",
				"*.qq.com",
				"multimedia.nt.qq.com.cn",
				"*.multimedia.nt.qq.com.cn",
				"gchat.qpic.cn",
				"c2cpicdw.qpic.cn",
				"puui.qpic.cn",
			},
			AllowedLocalDirs: FlexibleStringSlice{},
			AudioFallbackDir: "",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
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

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Gateway.Workspace)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
