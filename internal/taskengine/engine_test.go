package taskengine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitwatch/internal/eventbus"
	logx "limitwatch/pkg/logx"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnqueueRunsDetached(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var ran atomic.Int32
	require.NoError(t, s.Enqueue(Task{Name: "probe", Run: func(context.Context) error {
		ran.Add(1)
		return nil
	}}))

	waitFor(t, func() bool { return ran.Load() == 1 })

	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "probe", hist[0].Name)
	assert.NotEmpty(t, hist[0].ID, "tasks get a generated run id")
	assert.Empty(t, hist[0].Error)
}

func TestTaskFailureIsContained(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Workers: 1}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error {
		return errors.New("downstream unavailable")
	}}))

	var failed bool
	deadline := time.After(3 * time.Second)
	for !failed {
		select {
		case e := <-events:
			if e.Type == "task.failed" {
				failed = true
			}
		case <-deadline:
			t.Fatal("task.failed event not observed")
		}
	}

	hist := s.History()
	require.Len(t, hist, 1)
	assert.Contains(t, hist[0].Error, "downstream unavailable")
}

func TestTaskPanicIsContained(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Enqueue(Task{Name: "panic", Run: func(context.Context) error {
		panic("oops")
	}}))

	waitFor(t, func() bool { return len(s.History()) == 1 })
	assert.Equal(t, "task panicked", s.History()[0].Error)
}

func TestEnqueueAfterStop(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestQueueOverflowDrops(t *testing.T) {
	block := make(chan struct{})
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(block)
		s.Stop(context.Background())
	}()

	blocker := Task{Name: "blocker", Run: func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}}
	_ = s.Enqueue(blocker)
	waitFor(t, func() bool { return s.Enqueue(blocker) == nil })

	err := s.Enqueue(Task{Name: "overflow", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestTimeoutCancelsTask(t *testing.T) {
	s := New(Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	waitFor(t, func() bool { return len(s.History()) == 1 })
	assert.Contains(t, s.History()[0].Error, "context deadline exceeded")
}
