// Package scheduler triggers the periodic full monitoring cycle.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"limitwatch/internal/command"
	"limitwatch/internal/taskengine"
	logx "limitwatch/pkg/logx"
)

const defaultSpec = "@every 5m"

type Config struct {
	Enabled bool
	// Spec is a cron spec ("*/5 * * * *", optionally with seconds) or a
	// descriptor ("@every 2m"). Empty means defaultSpec.
	Spec     string
	Timezone string
}

// Engine is the detached-execution handoff for scheduled cycles.
type Engine interface {
	Enqueue(t taskengine.Task) error
}

// Service owns a single cron entry that enqueues a full_monitor run per tick.
type Service struct {
	engine Engine
	runner command.Runner
	log    logx.Logger
	parser cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, engine Engine, runner command.Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		engine: engine,
		runner: runner,
		log:    log.With(logx.String("svc", "scheduler")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
	}
}

// ValidateSpec reports whether a spec would be accepted, for use by config
// validation before a reload commits.
func (s *Service) ValidateSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	_, err := s.parser.Parse(spec)
	return err
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins cron triggering. Safe to call once; Apply handles reloads.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if !s.cfg.Enabled {
		s.log.Debug("scheduler disabled")
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
		loc = l
	}

	spec := strings.TrimSpace(s.cfg.Spec)
	if spec == "" {
		spec = defaultSpec
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("scheduler spec %q: %w", spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

// tick enqueues one detached full_monitor run. Enqueue failure just means
// the engine is saturated; the next tick tries again.
func (s *Service) tick() {
	runner := s.runner
	err := s.engine.Enqueue(taskengine.Task{
		Name: "scheduled:full_monitor",
		Run: func(ctx context.Context) error {
			res := runner.Run(ctx, command.FullMonitor, false)
			if !res.Success {
				return fmt.Errorf("full_monitor: %s", res.Detail)
			}
			return nil
		},
	})
	if err != nil {
		s.log.Warn("scheduled cycle dropped", logx.Err(err))
	}
}

// Apply swaps config at runtime; the cron entry is rebuilt when the spec,
// timezone or enablement changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unchanged := s.cfg == cfg
	running := s.c != nil
	s.cfg = cfg
	if unchanged && running == cfg.Enabled {
		return nil
	}

	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("scheduler stopped")
}
