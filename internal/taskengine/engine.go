// Package taskengine runs monitoring commands detached from their trigger:
// a bounded queue feeding a small worker pool. The callback handler and the
// scheduler both enqueue here; neither ever waits for completion.
package taskengine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"limitwatch/internal/eventbus"
	logx "limitwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("taskengine queue full")
	ErrStopped   = errors.New("taskengine stopped")
)

// Config controls the task execution engine.
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
}

// Task is a unit of detached work.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Service executes tasks from a queue using a worker pool.
//
// It is panic-safe (worker goroutines recover) and cooperates with shutdown
// via Start/Stop.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queue    chan Task
	cancel   context.CancelFunc
	workerWG sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem

	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	// Fresh queue per run to avoid executing stale items after a stop/start toggle.
	s.queue = make(chan Task, s.cfg.QueueSize)

	queue := s.queue
	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in taskengine worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, queue)
		}()
	}
	s.log.Info("taskengine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue_size", s.cfg.QueueSize))
}

// Stop closes intake and waits for queued work to drain until ctx is done,
// then cancels in-flight tasks.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.cancel
	s.queue = nil
	s.cancel = nil
	s.mu.Unlock()

	if q == nil {
		return
	}
	close(q)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("taskengine stopped", logx.Int("dropped_total", int(s.dropped.Load())))
}

// Enqueue accepts a task without blocking. A full queue drops the task and
// returns ErrQueueFull; the caller already answered its own caller, so drop
// visibility is logs + counters only.
func (s *Service) Enqueue(t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.mu.Lock()
	q := s.queue
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if t.Timeout <= 0 {
		t.Timeout = timeout
	}

	ok := func() (ok bool) {
		// Enqueue after close loses to Stop; treat the panic as a drop.
		defer func() {
			if recover() != nil {
				ok = false
			}
		}()
		select {
		case q <- t:
			return true
		default:
			return false
		}
	}()
	if !ok {
		s.dropped.Add(1)
		s.log.Warn("task dropped", logx.String("task", t.Name))
		return ErrQueueFull
	}
	return nil
}

func (s *Service) worker(ctx context.Context, queue <-chan Task) {
	for t := range queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.execOne(ctx, t)
	}
}

func (s *Service) execOne(ctx context.Context, t Task) {
	start := time.Now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start}})
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("task panicked")
				s.log.Error("panic in task", logx.String("task", t.Name), logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		return t.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.failed", Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, Duration: dur, Error: item.Error}})
		}
	} else {
		s.log.Debug("task completed", logx.String("task", t.Name), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "task.finished", Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, Duration: dur}})
		}
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// History returns recent task outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// Dropped reports the lifetime count of tasks rejected by a full queue.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }
