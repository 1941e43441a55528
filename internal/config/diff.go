package config

import (
	"reflect"
	"strings"

	logx "limitwatch/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, keys) are reported only
// as set/unset booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Server (never log api_key/simple_key values)
	if oldCfg.Server.Host != newCfg.Server.Host ||
		oldCfg.Server.Port != newCfg.Server.Port ||
		oldCfg.Server.ReadTimeout != newCfg.Server.ReadTimeout ||
		oldCfg.Server.WriteTimeout != newCfg.Server.WriteTimeout ||
		oldCfg.Server.IdleTimeout != newCfg.Server.IdleTimeout ||
		secretChanged(oldCfg.Server.Auth.APIKey, newCfg.Server.Auth.APIKey) ||
		secretChanged(oldCfg.Server.Auth.SimpleKey, newCfg.Server.Auth.SimpleKey) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.host", newCfg.Server.Host),
			logx.Int("server.port", newCfg.Server.Port),
			logx.Bool("server.api_key_set", strings.TrimSpace(newCfg.Server.Auth.APIKey) != ""),
			logx.Bool("server.simple_key_set", strings.TrimSpace(newCfg.Server.Auth.SimpleKey) != ""),
		)
	}

	// API (never log bearer token)
	if oldCfg.API.BaseURL != newCfg.API.BaseURL ||
		secretChanged(oldCfg.API.BearerToken, newCfg.API.BearerToken) ||
		oldCfg.API.Accounts != newCfg.API.Accounts ||
		oldCfg.API.Usage != newCfg.API.Usage {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", strings.TrimSpace(newCfg.API.BaseURL)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.BearerToken) != ""),
			logx.String("api.usage.time_range", newCfg.API.Usage.TimeRange),
		)
	}

	// Feishu (never log webhook URL, verification token or encrypt key)
	if oldCfg.Feishu.Enabled != newCfg.Feishu.Enabled ||
		secretChanged(oldCfg.Feishu.WebhookURL, newCfg.Feishu.WebhookURL) ||
		secretChanged(oldCfg.Feishu.VerificationToken, newCfg.Feishu.VerificationToken) ||
		secretChanged(oldCfg.Feishu.EncryptKey, newCfg.Feishu.EncryptKey) ||
		oldCfg.Feishu.Timeout != newCfg.Feishu.Timeout ||
		oldCfg.Feishu.ButtonMode != newCfg.Feishu.ButtonMode ||
		oldCfg.Feishu.TriggerBase != newCfg.Feishu.TriggerBase {
		changed = append(changed, "feishu")
		attrs = append(attrs,
			logx.Bool("feishu.enabled", newCfg.Feishu.Enabled),
			logx.Bool("feishu.webhook_set", strings.TrimSpace(newCfg.Feishu.WebhookURL) != ""),
			logx.Bool("feishu.encrypt_key_set", strings.TrimSpace(newCfg.Feishu.EncryptKey) != ""),
			logx.String("feishu.button_mode", newCfg.Feishu.ButtonMode),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.spec", strings.TrimSpace(newCfg.Scheduler.Spec)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// TaskEngine
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs,
				logx.Int("task_engine.workers", te.Workers),
				logx.Int("task_engine.queue_size", te.QueueSize),
			)
		}
	}

	// Notifier
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	// Storage
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if s := newCfg.Storage; s != nil {
			attrs = append(attrs,
				logx.String("storage.driver", s.Driver),
				logx.String("storage.path", s.Path),
			)
		}
	}

	return changed, attrs
}

// secretChanged compares secrets without retaining their values: a change
// in set-ness or content both count, but callers must only log set-ness.
func secretChanged(a, b string) bool {
	return strings.TrimSpace(a) != strings.TrimSpace(b)
}
