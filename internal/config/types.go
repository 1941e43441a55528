package config

import (
	"fmt"
	"net/url"
	"strings"
)

type Config struct {
	Server  ServerConfig  `json:"server"`
	API     APIConfig     `json:"api"`
	Feishu  FeishuConfig  `json:"feishu"`
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the periodic full_monitor trigger.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution settings for dispatched commands.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

// ServerConfig controls the inbound HTTP listener (callback endpoint,
// trigger links, command API).
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// ReadTimeout/WriteTimeout/IdleTimeout are Go duration strings.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Auth AuthConfig `json:"auth"`
}

// AuthConfig holds the two inbound credentials:
//   - APIKey protects POST /command (bearer token).
//   - SimpleKey protects GET /trigger/{command} links embedded in cards.
type AuthConfig struct {
	APIKey    string `json:"api_key"`
	SimpleKey string `json:"simple_key,omitempty"`
}

// APIConfig points at the upstream admin API that serves account and
// usage data.
type APIConfig struct {
	BaseURL     string `json:"base_url"`
	BearerToken string `json:"bearer_token"`

	Accounts APIEndpointConfig `json:"accounts"`
	Usage    APIUsageConfig    `json:"usage"`
}

type APIEndpointConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	// Timeout is a Go duration string (e.g. "30s").
	Timeout       string `json:"timeout,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`
}

type APIUsageConfig struct {
	Endpoint      string `json:"endpoint,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`
	// TimeRange is passed through to the usage endpoint ("today", "7d", ...).
	TimeRange string `json:"time_range,omitempty"`
}

// FeishuConfig controls outbound webhook delivery and inbound callback
// verification. VerificationToken and EncryptKey come from the Feishu
// app's event subscription settings; EncryptKey may be empty when the
// subscription uses plaintext mode.
type FeishuConfig struct {
	Enabled           bool   `json:"enabled"`
	WebhookURL        string `json:"webhook_url"`
	VerificationToken string `json:"verification_token,omitempty"`
	EncryptKey        string `json:"encrypt_key,omitempty"`

	// Timeout is a Go duration string for webhook HTTP calls.
	Timeout string `json:"timeout,omitempty"`

	// ButtonMode selects how card buttons act: "url" renders /trigger
	// links (requires TriggerBase), "callback" posts back to the
	// callback endpoint.
	ButtonMode string `json:"button_mode,omitempty"`

	// TriggerBase is the externally reachable base URL of this service,
	// used to build /trigger links in cards (e.g. "https://mon.example.com").
	TriggerBase string `json:"trigger_base,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the periodic monitor trigger.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Spec is a cron spec ("*/5 * * * *") or an @every interval
	// ("@every 2m"). Empty means the default poll interval.
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls the detached command executor.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout applies to tasks without their own timeout.
	// Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings. If the whole section is
// omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// StorageConfig controls the snapshot persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./limitwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Validate checks structural requirements. Per-service defaults are
// applied by the consuming services, not here.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: out of range: %d", c.Server.Port)
	}
	for path, raw := range map[string]string{
		"server.read_timeout":         c.Server.ReadTimeout,
		"server.write_timeout":        c.Server.WriteTimeout,
		"server.idle_timeout":         c.Server.IdleTimeout,
		"api.accounts.timeout":        c.API.Accounts.Timeout,
		"api.usage.timeout":           c.API.Usage.Timeout,
		"feishu.timeout":              c.Feishu.Timeout,
		"task_engine.default_timeout": taskEngineDefaultTimeout(c.TaskEngine),
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if n := c.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	if s := c.Storage; s != nil {
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Feishu.Enabled {
		u := strings.TrimSpace(c.Feishu.WebhookURL)
		if u == "" {
			return fmt.Errorf("feishu.webhook_url: required when feishu.enabled")
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("feishu.webhook_url: %w", err)
		}
		switch strings.TrimSpace(c.Feishu.ButtonMode) {
		case "", "url", "callback":
		default:
			return fmt.Errorf("feishu.button_mode: must be \"url\" or \"callback\"")
		}
	}
	if strings.TrimSpace(c.API.BaseURL) != "" {
		if _, err := url.ParseRequestURI(strings.TrimSpace(c.API.BaseURL)); err != nil {
			return fmt.Errorf("api.base_url: %w", err)
		}
	}
	return nil
}

func taskEngineDefaultTimeout(te *TaskEngineConfig) string {
	if te == nil {
		return ""
	}
	return te.DefaultTimeout
}
