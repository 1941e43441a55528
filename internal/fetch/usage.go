package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"limitwatch/internal/feishu"
	logx "limitwatch/pkg/logx"
)

// KeyUsage is one API key's usage over the requested time range.
type KeyUsage struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Usage struct {
		Today struct {
			Requests  int64   `json:"requests"`
			AllTokens int64   `json:"allTokens"`
			Cost      float64 `json:"cost"`
		} `json:"today"`
		Daily struct {
			Requests  int64 `json:"requests"`
			AllTokens int64 `json:"allTokens"`
		} `json:"daily"`
	} `json:"usage"`
}

// Requests prefers the today bucket and falls back to daily, matching the
// admin API's two payload generations.
func (k KeyUsage) RequestCount() int64 {
	if k.Usage.Today.Requests > 0 {
		return k.Usage.Today.Requests
	}
	return k.Usage.Daily.Requests
}

func (k KeyUsage) TokenCount() int64 {
	if k.Usage.Today.AllTokens > 0 {
		return k.Usage.Today.AllTokens
	}
	return k.Usage.Daily.AllTokens
}

// UsageReport is the result of one usage poll.
type UsageReport struct {
	Keys      []KeyUsage
	TimeRange string
	FetchedAt time.Time
}

// Stats aggregates the report for the usage card.
func (r UsageReport) Stats() feishu.UsageStats {
	st := feishu.UsageStats{TotalKeys: len(r.Keys)}
	for _, k := range r.Keys {
		req := k.RequestCount()
		st.TotalRequests += req
		st.TotalTokens += k.TokenCount()
		st.TotalCost += k.Usage.Today.Cost
		if req > 0 {
			st.ActiveKeys++
		}
	}
	return st
}

type usageReply struct {
	Success bool       `json:"success"`
	Data    []KeyUsage `json:"data"`
}

// UsageFetcher retrieves API-key usage statistics.
type UsageFetcher struct {
	cfg       Config
	timeRange string
	httpc     *http.Client
	log       logx.Logger
}

func NewUsageFetcher(cfg Config, timeRange string, log logx.Logger) *UsageFetcher {
	cfg = cfg.withDefaults()
	if timeRange == "" {
		timeRange = "today"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UsageFetcher{
		cfg:       cfg,
		timeRange: timeRange,
		httpc:     &http.Client{Timeout: cfg.Timeout},
		log:       log,
	}
}

func (f *UsageFetcher) Fetch(ctx context.Context) (UsageReport, error) {
	var reply usageReply
	query := map[string]string{"timeRange": f.timeRange}
	if err := getJSON(ctx, f.httpc, f.cfg, query, &reply, f.log); err != nil {
		return UsageReport{}, err
	}
	if !reply.Success {
		return UsageReport{}, fmt.Errorf("%w: success=false", ErrBadPayload)
	}
	return UsageReport{Keys: reply.Data, TimeRange: f.timeRange, FetchedAt: time.Now()}, nil
}
