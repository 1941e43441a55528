package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"limitwatch/internal/fetch"
	"limitwatch/internal/feishu"
	"limitwatch/internal/monitor"
	"limitwatch/internal/notifier"
	logx "limitwatch/pkg/logx"
)

// AccountSource yields the current rate-limit snapshot of every account.
type AccountSource interface {
	Fetch(ctx context.Context) ([]monitor.Snapshot, error)
}

// UsageSource yields the aggregate API usage report.
type UsageSource interface {
	Fetch(ctx context.Context) (fetch.UsageReport, error)
}

// Notifier hands finished cards to the async delivery pipeline.
type Notifier interface {
	Send(n notifier.Notification) error
}

// CardOptions controls how buttons on outbound cards are rendered.
type CardOptions struct {
	Mode        feishu.ButtonMode
	TriggerBase string
	SimpleKey   string
}

// MonitorRunner executes monitoring commands against the upstream API and
// pushes resulting cards through the notifier.
type MonitorRunner struct {
	accounts AccountSource
	usage    UsageSource
	detector *monitor.Detector
	notify   Notifier
	cards    CardOptions
	log      logx.Logger
}

func NewMonitorRunner(accounts AccountSource, usage UsageSource, det *monitor.Detector, n Notifier, cards CardOptions, log logx.Logger) *MonitorRunner {
	return &MonitorRunner{
		accounts: accounts,
		usage:    usage,
		detector: det,
		notify:   n,
		cards:    cards,
		log:      log.With(logx.String("svc", "runner")),
	}
}

// Run executes one command. notify_* variants force notifications through
// regardless of detected changes; check_* variants only notify on limit-flag
// transitions (or first sight of an account). Failures come back in the
// Result; Run never panics.
func (r *MonitorRunner) Run(ctx context.Context, cmd Command, force bool) (res Result) {
	start := time.Now()
	res = Result{Command: cmd}
	defer func() {
		res.Took = time.Since(start)
		if rec := recover(); rec != nil {
			res.Success = false
			res.Detail = fmt.Sprintf("panic: %v", rec)
			r.log.Error("command panicked",
				logx.String("command", string(cmd)),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()

	switch cmd {
	case CheckAccounts:
		res.Success, res.Notified, res.Detail = r.runAccounts(ctx, force)
	case NotifyAccounts:
		res.Success, res.Notified, res.Detail = r.runAccounts(ctx, true)
	case CheckAPIUsage:
		res.Success, res.Notified, res.Detail = r.runUsage(ctx, force)
	case NotifyAPIUsage:
		res.Success, res.Notified, res.Detail = r.runUsage(ctx, true)
	case FullMonitor:
		okA, notifiedA, detailA := r.runAccounts(ctx, force)
		okU, notifiedU, detailU := r.runUsage(ctx, force)
		res.Success = okA && okU
		res.Notified = notifiedA || notifiedU
		res.Detail = detailA + "; " + detailU
	default:
		res.Success = false
		res.Detail = fmt.Sprintf("unknown command %q", cmd)
	}

	r.log.Info("command finished",
		logx.String("command", string(cmd)),
		logx.Bool("force", force),
		logx.Bool("success", res.Success),
		logx.Bool("notified", res.Notified),
		logx.Duration("took", res.Took),
	)
	return res
}

func (r *MonitorRunner) runAccounts(ctx context.Context, force bool) (ok, notified bool, detail string) {
	snaps, err := r.accounts.Fetch(ctx)
	if err != nil {
		r.log.Warn("account fetch failed", logx.Err(err))
		r.sendErrorCard(fmt.Sprintf("账户状态获取失败: %v", err))
		return false, false, fmt.Sprintf("accounts fetch: %v", err)
	}

	evals := r.detector.EvaluateBatch(ctx, snaps, force)
	if len(evals) == 0 {
		return true, false, fmt.Sprintf("accounts=%d changed=0", len(snaps))
	}

	// One card per cycle: every account that warranted a notification rides
	// in the same message, suppressed ones are simply absent.
	msg := feishu.StatusCard(evals, r.cards.Mode, r.cards.TriggerBase, r.cards.SimpleKey)
	parts := make([]string, 0, len(evals))
	for _, ev := range evals {
		parts = append(parts, fmt.Sprintf("%s=%t", ev.Snapshot.ID, ev.Snapshot.Limited))
	}
	key := "status:" + strings.Join(parts, ",")
	if force {
		// forced runs bypass dedup so repeated manual triggers always land
		key = fmt.Sprintf("status:forced:%d", time.Now().UnixNano())
	}
	sent := r.send(notifier.Notification{Key: key, Msg: msg})
	return true, sent, fmt.Sprintf("accounts=%d changed=%d sent=%t", len(snaps), len(evals), sent)
}

func (r *MonitorRunner) runUsage(ctx context.Context, force bool) (ok, notified bool, detail string) {
	report, err := r.usage.Fetch(ctx)
	if err != nil {
		r.log.Warn("usage fetch failed", logx.Err(err))
		r.sendErrorCard(fmt.Sprintf("用量统计获取失败: %v", err))
		return false, false, fmt.Sprintf("usage fetch: %v", err)
	}

	stats := report.Stats()
	msg := feishu.UsageCard(stats, report.FetchedAt)
	key := "usage:" + report.TimeRange
	if force {
		key = fmt.Sprintf("usage:%s:forced:%d", report.TimeRange, time.Now().UnixNano())
	}
	sent := r.send(notifier.Notification{Key: key, Msg: msg})
	return true, sent, fmt.Sprintf("usage keys=%d sent=%t", len(report.Keys), sent)
}

// send pushes one card; a disabled notifier is not an error, just a no-op.
func (r *MonitorRunner) send(n notifier.Notification) bool {
	if r.notify == nil {
		return false
	}
	err := r.notify.Send(n)
	switch {
	case err == nil:
		return true
	case errors.Is(err, notifier.ErrDisabled):
		r.log.Debug("notifier disabled; card dropped", logx.String("key", n.Key))
		return false
	default:
		r.log.Warn("notification enqueue failed", logx.String("key", n.Key), logx.Err(err))
		return false
	}
}

func (r *MonitorRunner) sendErrorCard(detail string) {
	if r.notify == nil {
		return
	}
	msg := feishu.ErrorCard(detail, time.Now())
	// unique key: error cards should not dedup against each other
	n := notifier.Notification{Key: fmt.Sprintf("error:%d", time.Now().UnixNano()), Msg: msg}
	if err := r.notify.Send(n); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		r.log.Warn("error card enqueue failed", logx.Err(err))
	}
}
