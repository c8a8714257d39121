package response

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// HookType selects a built-in hook.
type HookType string

const (
	HookTypeLog     HookType = "log"
	HookTypeRedis   HookType = "redis"
	HookTypeWebhook HookType = "webhook"
)

// HookConfig declares one hook in the configuration file.
type HookConfig struct {
	Name string   `yaml:"name" validate:"required"`
	Type HookType `yaml:"type" validate:"required,oneof=log redis webhook"`

	// Webhook settings.
	URL     string            `yaml:"url,omitempty" validate:"required_if=Type webhook"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`

	// Redis settings.
	RedisAddr     string        `yaml:"redis_addr,omitempty" validate:"required_if=Type redis"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
	BlocklistSet  string        `yaml:"blocklist_set,omitempty"`
	KeyPrefix     string        `yaml:"key_prefix,omitempty"`
	BlockTTL      time.Duration `yaml:"block_ttl,omitempty"`
}

// Closer is returned by RegisterConfigured to release hook resources.
type Closer func() error

// RegisterConfigured builds every configured hook and registers it.
func RegisterConfigured(d *Dispatcher, hooks []HookConfig, logger *slog.Logger) (Closer, error) {
	var closers []func() error
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	for _, hc := range hooks {
		var hook Hook
		switch hc.Type {
		case HookTypeLog:
			hook = NewLogBlockHook(logger)
		case HookTypeWebhook:
			hook = NewWebhookHook(hc.URL, hc.Headers, hc.Timeout)
		case HookTypeRedis:
			client := redis.NewClient(&redis.Options{
				Addr:     hc.RedisAddr,
				Password: hc.RedisPassword,
				DB:       hc.RedisDB,
			})
			closers = append(closers, client.Close)
			hook = NewRedisBlocklistHook(client, hc.BlocklistSet, hc.KeyPrefix, hc.BlockTTL)
		default:
			_ = closeAll()
			return nil, fmt.Errorf("response: hook %q has unknown type %q", hc.Name, hc.Type)
		}

		if err := d.Register(hc.Name, hook); err != nil {
			_ = closeAll()
			return nil, err
		}
	}
	return closeAll, nil
}
