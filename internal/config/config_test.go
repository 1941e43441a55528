package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  host: 127.0.0.1
  port: 8080
  auth:
    api_key: secret-api-key
    simple_key: sk
api:
  base_url: https://relay.example.com
  bearer_token: admin-token
  accounts:
    timeout: 30s
    retry_attempts: 3
  usage:
    time_range: today
feishu:
  enabled: true
  webhook_url: https://open.feishu.cn/open-apis/bot/v2/hook/abc
  verification_token: vt
  encrypt_key: ek
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  enabled: true
  spec: "@every 2m"
storage:
  driver: sqlite
  path: ./limitwatch.db
`)

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "secret-api-key", cfg.Server.Auth.APIKey)
	assert.Equal(t, "https://relay.example.com", cfg.API.BaseURL)
	assert.Equal(t, 3, cfg.API.Accounts.RetryAttempts)
	assert.Equal(t, "today", cfg.API.Usage.TimeRange)
	assert.True(t, cfg.Feishu.Enabled)
	assert.Equal(t, "ek", cfg.Feishu.EncryptKey)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "@every 2m", cfg.Scheduler.Spec)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)

	// Load commits: Get returns the same config.
	assert.Same(t, cfg, m.Get())

	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  port: 8080
  listen_addr: ":8080"
`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_addr")
}

func TestLoadRejectsTrailingJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server":{"port":8080}} {"extra":true}`)
	_, err := NewManager(path).Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080},
			Feishu: FeishuConfig{
				Enabled:    true,
				WebhookURL: "https://open.feishu.cn/open-apis/bot/v2/hook/abc",
			},
		}
	}

	t.Run("ok", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("port out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Server.Port = 70000
		require.Error(t, cfg.Validate())
	})

	t.Run("feishu enabled without webhook", func(t *testing.T) {
		cfg := valid()
		cfg.Feishu.WebhookURL = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "feishu.webhook_url")
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := valid()
		cfg.Server.ReadTimeout = "ten seconds"
		require.Error(t, cfg.Validate())
	})

	t.Run("bad button mode", func(t *testing.T) {
		cfg := valid()
		cfg.Feishu.ButtonMode = "popup"
		require.Error(t, cfg.Validate())
	})

	t.Run("bad notifier dedup window", func(t *testing.T) {
		cfg := valid()
		cfg.Notifier = &NotifierConfig{DedupWindow: "-5m"}
		require.Error(t, cfg.Validate())
	})
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{Server: ServerConfig{Port: 1}}
	second := &Config{Server: ServerConfig{Port: 2}}

	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, latest delivered

	got := <-ch
	assert.Equal(t, 2, got.Server.Port)
	assert.Empty(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager("unused.yaml")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)

	// publish after unsubscribe must not panic
	m.publish(&Config{})
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info"},
	}
	newCfg := &Config{
		Server:  ServerConfig{Port: 9090},
		Logging: LoggingConfig{Level: "debug"},
		Notifier: &NotifierConfig{
			Enabled: true,
			Workers: 2,
		},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.ElementsMatch(t, []string{"server", "logging", "notifier"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDurationOrDefault("x", "5s", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	_, err = ParseDurationOrDefault("x", "nope", 0)
	require.Error(t, err)
}
