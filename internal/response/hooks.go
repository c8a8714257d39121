package response

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"threatline/internal/schema"
)

// LogBlockHook records the decision to block a source without touching any
// enforcement point.
type LogBlockHook struct {
	logger *slog.Logger
}

// NewLogBlockHook creates a log-only block hook.
func NewLogBlockHook(logger *slog.Logger) *LogBlockHook {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBlockHook{logger: logger}
}

// Act logs the block decision.
func (h *LogBlockHook) Act(_ context.Context, alert *schema.Alert) Result {
	h.logger.Warn("blocking malicious source",
		"source_identity", alert.SourceIdentity,
		"rule_id", alert.RuleID,
		"alert_id", alert.ID.String(),
		"severity", alert.Severity,
	)
	return Result{Action: "block_logged", Detail: alert.SourceIdentity}
}

// Blocklist key defaults.
const (
	DefaultBlocklistSet    = "threatline:blocklist"
	DefaultBlockKeyPrefix  = "threatline:block:"
	DefaultBlockExpiration = 24 * time.Hour
)

// RedisBlocklistHook publishes blocked sources to Redis for enforcement
// agents: the source joins a set, and a per-source key carrying the alert
// expires after the block TTL.
type RedisBlocklistHook struct {
	client    redis.UniversalClient
	setKey    string
	keyPrefix string
	ttl       time.Duration
}

// NewRedisBlocklistHook creates the hook. Empty settings use the defaults.
func NewRedisBlocklistHook(client redis.UniversalClient, setKey, keyPrefix string, ttl time.Duration) *RedisBlocklistHook {
	if setKey == "" {
		setKey = DefaultBlocklistSet
	}
	if keyPrefix == "" {
		keyPrefix = DefaultBlockKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultBlockExpiration
	}
	return &RedisBlocklistHook{
		client:    client,
		setKey:    setKey,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

type blockEntry struct {
	AlertID   schema.AlertID  `json:"alert_id"`
	RuleID    string          `json:"rule_id"`
	Severity  schema.Severity `json:"severity"`
	BlockedAt time.Time       `json:"blocked_at"`
}

// Act adds the alert's source to the blocklist.
func (h *RedisBlocklistHook) Act(ctx context.Context, alert *schema.Alert) Result {
	if alert.SourceIdentity == "" {
		return Result{Err: fmt.Errorf("alert %s has no source identity", alert.ID)}
	}

	entry, err := json.Marshal(blockEntry{
		AlertID:   alert.ID,
		RuleID:    alert.RuleID,
		Severity:  alert.Severity,
		BlockedAt: time.Now().UTC(),
	})
	if err != nil {
		return Result{Err: fmt.Errorf("failed to marshal block entry: %w", err)}
	}

	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, h.setKey, alert.SourceIdentity)
		pipe.Set(ctx, h.keyPrefix+alert.SourceIdentity, entry, h.ttl)
		return nil
	})
	if err != nil {
		return Result{Err: fmt.Errorf("redis blocklist update failed: %w", err)}
	}

	return Result{Action: "blocklisted", Detail: alert.SourceIdentity}
}

// IsBlocked reports whether the source currently has an unexpired block.
func (h *RedisBlocklistHook) IsBlocked(ctx context.Context, source string) (bool, error) {
	n, err := h.client.Exists(ctx, h.keyPrefix+source).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Unblock removes the source from the blocklist.
func (h *RedisBlocklistHook) Unblock(ctx context.Context, source string) error {
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, h.setKey, source)
		pipe.Del(ctx, h.keyPrefix+source)
		return nil
	})
	return err
}

// Blocklists applies operator actions to every registered blocklist hook.
type Blocklists []*RedisBlocklistHook

// IsBlocked reports whether any blocklist holds an unexpired block for source.
func (bs Blocklists) IsBlocked(ctx context.Context, source string) (bool, error) {
	for _, b := range bs {
		blocked, err := b.IsBlocked(ctx, source)
		if err != nil {
			return false, err
		}
		if blocked {
			return true, nil
		}
	}
	return false, nil
}

// Unblock lifts the block on source from every blocklist.
func (bs Blocklists) Unblock(ctx context.Context, source string) error {
	var errs []error
	for _, b := range bs {
		if err := b.Unblock(ctx, source); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.setKey, err))
		}
	}
	return errors.Join(errs...)
}

// WebhookHook posts the alert as JSON to an HTTP endpoint.
type WebhookHook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookHook creates a new webhook hook.
func NewWebhookHook(url string, headers map[string]string, timeout time.Duration) *WebhookHook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHook{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Act sends the alert.
func (w *WebhookHook) Act(ctx context.Context, alert *schema.Alert) Result {
	payload, err := json.Marshal(alert)
	if err != nil {
		return Result{Err: fmt.Errorf("failed to marshal alert: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return Result{Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{Err: fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))}
	}

	return Result{Action: "webhook_sent", Detail: fmt.Sprintf("status %d", resp.StatusCode)}
}
