// Package config loads the bot configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Event names used for suppression flags and role-mention lookups.
const (
	EventLive   = "live"
	EventUpdate = "update"
	EventVod    = "vod"
)

type Config struct {
	TwitchClientID     string   `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string   `env:"TWITCH_CLIENT_SECRET"`
	TwitchUserLogins   []string `env:"TWITCH_USER_LOGINS"`

	// TopClips is the number of top clips shown in vod notifications (0-5).
	TopClips int `env:"TOP_CLIPS" default:"0"`
	// OfflineGracePeriod is how long a channel may poll offline before the
	// session is treated as ended.
	OfflineGracePeriod time.Duration `env:"OFFLINE_GRACE_PERIOD" default:"2m"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" default:"10s"`

	DiscordWebhookURL string   `env:"DISCORD_WEBHOOK_URL"`
	DiscordAvatarURL  string   `env:"DISCORD_AVATAR_URL"`
	EnabledEvents     []string `env:"ENABLED_EVENTS" default:"live,update,vod"`

	// Role IDs mentioned in the notification content, empty to skip the
	// mention for that event type.
	RoleMentionLive   string `env:"ROLE_MENTION_LIVE"`
	RoleMentionUpdate string `env:"ROLE_MENTION_UPDATE"`
	RoleMentionVod    string `env:"ROLE_MENTION_VOD"`

	CacheEnabled bool   `env:"CACHE_ENABLED" default:"true"`
	CacheDir     string `env:"CACHE_DIR" default:".cache"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	// Port for the health/metrics endpoint, empty to disable.
	Port string `env:"PORT"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalize(cfg *Config) {
	cfg.TwitchUserLogins = cleanList(cfg.TwitchUserLogins)
	cfg.EnabledEvents = cleanList(cfg.EnabledEvents)
}

func cleanList(values []string) []string {
	out := values[:0]
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validate(cfg *Config) error {
	required := map[string]string{
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
		"DISCORD_WEBHOOK_URL":  cfg.DiscordWebhookURL,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.TwitchUserLogins) == 0 {
		return fmt.Errorf("TWITCH_USER_LOGINS must name at least one channel")
	}
	if cfg.TopClips < 0 || cfg.TopClips > 5 {
		return fmt.Errorf("TOP_CLIPS must be between 0 and 5, got %d", cfg.TopClips)
	}
	for _, event := range cfg.EnabledEvents {
		switch event {
		case EventLive, EventUpdate, EventVod:
		default:
			return fmt.Errorf("unknown event type %q in ENABLED_EVENTS", event)
		}
	}

	return nil
}

// EventEnabled reports whether notifications for the given event type
// should be sent.
func (c *Config) EventEnabled(event string) bool {
	return slices.Contains(c.EnabledEvents, event)
}

// RoleMention returns the mention string prefixed to notification content for
// the given event type, or "" when no role is configured.
func (c *Config) RoleMention(event string) string {
	var id string
	switch event {
	case EventLive:
		id = c.RoleMentionLive
	case EventUpdate:
		id = c.RoleMentionUpdate
	case EventVod:
		id = c.RoleMentionVod
	}
	if id == "" {
		return ""
	}
	return "<@&" + id + ">"
}
