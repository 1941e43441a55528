// Package fetch pulls account status and API-key usage from the relay
// admin API. Both fetchers are plain bearer-token HTTP GETs with bounded
// retries; they produce the immutable inputs the monitoring core consumes.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"limitwatch/internal/monitor"
	logx "limitwatch/pkg/logx"
)

var (
	ErrUnauthorized = errors.New("upstream rejected bearer token")
	ErrForbidden    = errors.New("upstream denied access")
	ErrBadPayload   = errors.New("upstream payload not understood")
)

// Config configures one fetcher endpoint.
type Config struct {
	BaseURL       string
	Endpoint      string
	BearerToken   string
	Timeout       time.Duration
	RetryAttempts int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	return c
}

// accountPayload mirrors the admin API account document.
type accountPayload struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsActive        bool   `json:"isActive"`
	RateLimitStatus struct {
		IsRateLimited    bool   `json:"isRateLimited"`
		RateLimitedAt    string `json:"rateLimitedAt"`
		MinutesRemaining int    `json:"minutesRemaining"`
	} `json:"rateLimitStatus"`
	Usage struct {
		Daily struct {
			Requests  int64 `json:"requests"`
			AllTokens int64 `json:"allTokens"`
		} `json:"daily"`
	} `json:"usage"`
}

type accountsReply struct {
	Success bool             `json:"success"`
	Data    []accountPayload `json:"data"`
}

// AccountsFetcher retrieves rate-limit status snapshots for all accounts.
type AccountsFetcher struct {
	cfg   Config
	httpc *http.Client
	log   logx.Logger
}

func NewAccountsFetcher(cfg Config, log logx.Logger) *AccountsFetcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AccountsFetcher{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		log:   log,
	}
}

// Fetch returns one snapshot per account, stamped with the fetch time.
func (f *AccountsFetcher) Fetch(ctx context.Context) ([]monitor.Snapshot, error) {
	var reply accountsReply
	if err := getJSON(ctx, f.httpc, f.cfg, nil, &reply, f.log); err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("%w: success=false", ErrBadPayload)
	}

	now := time.Now()
	snaps := make([]monitor.Snapshot, 0, len(reply.Data))
	for _, a := range reply.Data {
		s := monitor.Snapshot{
			ID:               a.ID,
			Name:             a.Name,
			Limited:          a.RateLimitStatus.IsRateLimited,
			MinutesRemaining: a.RateLimitStatus.MinutesRemaining,
			Requests:         a.Usage.Daily.Requests,
			Tokens:           a.Usage.Daily.AllTokens,
			ObservedAt:       now,
		}
		if a.RateLimitStatus.RateLimitedAt != "" {
			if t, err := time.Parse(time.RFC3339, a.RateLimitStatus.RateLimitedAt); err == nil {
				s.LimitedAt = &t
			}
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// getJSON performs the GET with retry. 401/403 are terminal; everything else
// is retried with a short linear backoff.
func getJSON(ctx context.Context, httpc *http.Client, cfg Config, query map[string]string, out any, log logx.Logger) error {
	url := cfg.BaseURL + cfg.Endpoint

	var lastErr error
	for attempt := 1; attempt <= cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		err := doGET(ctx, httpc, cfg, url, query, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			return err
		}
		lastErr = err
		log.Debug("fetch attempt failed", logx.String("url", url), logx.Int("attempt", attempt), logx.Err(err))
	}
	return lastErr
}

func doGET(ctx context.Context, httpc *http.Client, cfg Config, url string, query map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "limitwatch/1.0")
	if len(query) > 0 {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
