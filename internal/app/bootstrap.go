package app

import (
	"fmt"
	"strings"
	"time"

	"limitwatch/internal/command"
	"limitwatch/internal/config"
	"limitwatch/internal/feishu"
	"limitwatch/internal/fetch"
	"limitwatch/internal/notifier"
	"limitwatch/internal/server"
	"limitwatch/internal/storage"
	"limitwatch/internal/taskengine"
	logx "limitwatch/pkg/logx"
)

const (
	defaultAccountsEndpoint = "/admin/claude-accounts"
	defaultUsageEndpoint    = "/admin/api-keys-usage-trend"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{Enabled: cfg.Feishu.Enabled}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}

	out.Enabled = cfg.Feishu.Enabled && n.Enabled
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.HistorySize = n.HistorySize

	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapTaskEngineConfig(cfg *config.Config) (taskengine.Config, error) {
	out := taskengine.Config{}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return taskengine.Config{}, err
	}
	return out, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	read, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		APIKey:       cfg.Server.Auth.APIKey,
		SimpleKey:    cfg.Server.Auth.SimpleKey,
	}, nil
}

func buildFetchers(cfg *config.Config, log logx.Logger) (*fetch.AccountsFetcher, *fetch.UsageFetcher, error) {
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		return nil, nil, fmt.Errorf("api.base_url is required")
	}

	accTimeout, err := config.ParseDurationOrDefault("api.accounts.timeout", cfg.API.Accounts.Timeout, 30*time.Second)
	if err != nil {
		return nil, nil, err
	}
	accEndpoint := strings.TrimSpace(cfg.API.Accounts.Endpoint)
	if accEndpoint == "" {
		accEndpoint = defaultAccountsEndpoint
	}
	accounts := fetch.NewAccountsFetcher(fetch.Config{
		BaseURL:       cfg.API.BaseURL,
		Endpoint:      accEndpoint,
		BearerToken:   cfg.API.BearerToken,
		Timeout:       accTimeout,
		RetryAttempts: cfg.API.Accounts.RetryAttempts,
	}, log.With(logx.String("comp", "fetch")))

	usageTimeout, err := config.ParseDurationOrDefault("api.usage.timeout", cfg.API.Usage.Timeout, 30*time.Second)
	if err != nil {
		return nil, nil, err
	}
	usageEndpoint := strings.TrimSpace(cfg.API.Usage.Endpoint)
	if usageEndpoint == "" {
		usageEndpoint = defaultUsageEndpoint
	}
	usage := fetch.NewUsageFetcher(fetch.Config{
		BaseURL:       cfg.API.BaseURL,
		Endpoint:      usageEndpoint,
		BearerToken:   cfg.API.BearerToken,
		Timeout:       usageTimeout,
		RetryAttempts: cfg.API.Usage.RetryAttempts,
	}, cfg.API.Usage.TimeRange, log.With(logx.String("comp", "fetch")))

	return accounts, usage, nil
}

func cardOptions(cfg *config.Config) command.CardOptions {
	mode := feishu.ButtonURL
	if strings.EqualFold(strings.TrimSpace(cfg.Feishu.ButtonMode), "callback") {
		mode = feishu.ButtonCallback
	}
	return command.CardOptions{
		Mode:        mode,
		TriggerBase: strings.TrimRight(strings.TrimSpace(cfg.Feishu.TriggerBase), "/"),
		SimpleKey:   cfg.Server.Auth.SimpleKey,
	}
}
