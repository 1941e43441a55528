// Package notifier is the async outbound pipeline: bounded queue, worker
// pool, send rate limiting, dedup window and bounded history. Enqueue never
// blocks the caller; delivery failures are retried with backoff and then
// logged, never raised.
package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"limitwatch/internal/eventbus"
	"limitwatch/internal/feishu"
	logx "limitwatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	HistorySize   int
}

// Sender delivers one card message. *feishu.Client satisfies this; tests
// substitute a recorder.
type Sender interface {
	Send(ctx context.Context, msg feishu.Message) error
}

// Notification is one unit of outbound work.
type Notification struct {
	// Key identifies the notification for dedup. Empty means derive from the
	// card payload digest.
	Key string
	Msg feishu.Message
}

type job struct {
	n        Notification
	dedupKey string
}

type HistoryItem struct {
	At    time.Time
	Key   string
	Error string
}

// DeliveryEvent is emitted on the event bus after each delivery attempt
// settles.
type DeliveryEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queue     chan job
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled {
		return
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(q <-chan job) {
			defer s.wg.Done()
			s.workerLoop(wctx, q)
		}(s.queue)
	}
}

// Stop stops intake, drains queued work best-effort until ctx is done, then
// cancels in-flight sends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.cancel
	s.accepting = false
	s.queue = nil
	s.cancel = nil
	s.mu.Unlock()

	if q == nil {
		return
	}
	close(q)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return
	}
	if cancel != nil {
		cancel()
	}
}

// Send enqueues a notification. It never blocks: a full queue returns
// ErrQueueFull, a suppressed duplicate returns nil.
func (s *Service) Send(n Notification) error {
	s.mu.Lock()
	q := s.queue
	accepting := s.accepting
	enabled := s.cfg.Enabled
	window := s.cfg.DedupWindow
	s.mu.Unlock()

	if !enabled {
		return ErrDisabled
	}
	if q == nil || !accepting {
		return ErrStopped
	}

	key := n.Key
	if key == "" {
		key = digest(n.Msg)
	}
	if window > 0 && s.suppressed(key, window) {
		s.log.Debug("duplicate notification suppressed", logx.String("key", key))
		return nil
	}

	select {
	case q <- job{n: n, dedupKey: key}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) suppressed(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return true
	}
	s.dedup[key] = now.Add(window)
	// Opportunistic prune.
	if len(s.dedup) > 2000 {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	return false
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for j := range q {
		s.deliver(ctx, j)
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryBase << (attempt - 1)
			if delay > cfg.RetryMaxDelay {
				delay = cfg.RetryMaxDelay
			}
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(delay):
			}
			if err != nil {
				break
			}
		}
		if werr := lim.Wait(ctx); werr != nil {
			err = werr
			break
		}
		err = s.sender.Send(ctx, j.n.Msg)
		if err == nil {
			break
		}
	}

	item := HistoryItem{At: time.Now(), Key: j.dedupKey}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("notification delivery failed", logx.String("key", j.dedupKey), logx.Err(err))
	} else {
		s.log.Debug("notification delivered", logx.String("key", j.dedupKey))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "notify.delivered", Data: DeliveryEvent{Key: item.Key, At: item.At, Error: item.Error}})
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// History returns a copy of recent delivery outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func digest(msg feishu.Message) string {
	b, err := json.Marshal(msg)
	if err != nil {
		return "unkeyed"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
