package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "limitwatch/pkg/logx"
)

type mapStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot

	getErr error
	puts   int
}

func newMapStore() *mapStore { return &mapStore{snaps: map[string]Snapshot{}} }

func (s *mapStore) GetSnapshot(_ context.Context, id string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Snapshot{}, false, s.getErr
	}
	snap, ok := s.snaps[id]
	return snap, ok, nil
}

func (s *mapStore) PutSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap
	s.puts++
	return nil
}

func snap(id string, limited bool, minutes int) Snapshot {
	return Snapshot{
		ID:               id,
		Name:             "acct " + id,
		Limited:          limited,
		MinutesRemaining: minutes,
		ObservedAt:       time.Now(),
	}
}

func TestEvaluateFirstSeenNotifies(t *testing.T) {
	store := newMapStore()
	d := NewDetector(store, logx.Nop())

	ev := d.Evaluate(context.Background(), snap("a1", false, 0), false)

	assert.Equal(t, Notify, ev.Decision)
	assert.Equal(t, ReasonFirstSeen, ev.Reason)
	assert.Nil(t, ev.Previous)

	_, ok, err := store.GetSnapshot(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, ok, "first-seen snapshot must be committed")
}

func TestEvaluateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		prev     bool
		cur      bool
		force    bool
		decision Decision
		reason   Reason
	}{
		{name: "false to true", prev: false, cur: true, decision: Notify, reason: ReasonStateChanged},
		{name: "true to false", prev: true, cur: false, decision: Notify, reason: ReasonStateChanged},
		{name: "steady false", prev: false, cur: false, decision: Suppress, reason: ReasonNone},
		{name: "steady true", prev: true, cur: true, decision: Suppress, reason: ReasonNone},
		{name: "steady but forced", prev: true, cur: true, force: true, decision: Notify, reason: ReasonForced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMapStore()
			d := NewDetector(store, logx.Nop())
			d.Evaluate(context.Background(), snap("a1", tt.prev, 0), false) // seed baseline

			ev := d.Evaluate(context.Background(), snap("a1", tt.cur, 5), tt.force)
			assert.Equal(t, tt.decision, ev.Decision)
			assert.Equal(t, tt.reason, ev.Reason)
			if tt.decision == Notify {
				require.NotNil(t, ev.Previous)
				assert.Equal(t, tt.prev, ev.Previous.Limited)
			}
		})
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	store := newMapStore()
	d := NewDetector(store, logx.Nop())

	s := snap("a1", true, 30)
	first := d.Evaluate(context.Background(), s, false)
	second := d.Evaluate(context.Background(), s, false)

	assert.Equal(t, Notify, first.Decision)
	assert.Equal(t, Suppress, second.Decision, "same snapshot twice must not notify twice")
}

func TestForceRefreshesBaseline(t *testing.T) {
	store := newMapStore()
	d := NewDetector(store, logx.Nop())

	d.Evaluate(context.Background(), snap("a1", false, 0), false)

	// Forced notify while state flips under the hood: baseline must follow the
	// forced snapshot so the next natural comparison is against it.
	forced := d.Evaluate(context.Background(), snap("a1", true, 10), true)
	assert.Equal(t, Notify, forced.Decision)
	assert.Equal(t, ReasonStateChanged, forced.Reason, "flip wins over force as the reason")

	after := d.Evaluate(context.Background(), snap("a1", true, 8), false)
	assert.Equal(t, Suppress, after.Decision, "baseline was refreshed to limited=true")
}

func TestStoreErrorDegradesToFirstSeen(t *testing.T) {
	store := newMapStore()
	store.getErr = errors.New("disk gone")
	d := NewDetector(store, logx.Nop())

	ev := d.Evaluate(context.Background(), snap("a1", true, 5), false)
	assert.Equal(t, Notify, ev.Decision)
	assert.Equal(t, ReasonFirstSeen, ev.Reason)
}

func TestEvaluateBatchDropsSuppressed(t *testing.T) {
	store := newMapStore()
	d := NewDetector(store, logx.Nop())

	cycle1 := []Snapshot{snap("a1", false, 0), snap("a2", true, 15)}
	got := d.EvaluateBatch(context.Background(), cycle1, false)
	require.Len(t, got, 2, "first cycle is all first-seen")

	cycle2 := []Snapshot{snap("a1", true, 20), snap("a2", true, 12)}
	got = d.EvaluateBatch(context.Background(), cycle2, false)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].Snapshot.ID)
	assert.Equal(t, ReasonStateChanged, got[0].Reason)
}

func TestConcurrentSameAccountNoLostUpdate(t *testing.T) {
	store := newMapStore()
	d := NewDetector(store, logx.Nop())
	d.Evaluate(context.Background(), snap("a1", false, 0), false)

	// Many concurrent flips of the same account: notify count must equal the
	// number of observed flag transitions against the serialized baseline,
	// never double-fire for the same transition.
	const n = 32
	var wg sync.WaitGroup
	notifies := make(chan Evaluation, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := d.Evaluate(context.Background(), snap("a1", true, 5), false)
			if ev.Decision == Notify {
				notifies <- ev
			}
		}()
	}
	wg.Wait()
	close(notifies)

	count := 0
	for range notifies {
		count++
	}
	assert.Equal(t, 1, count, "exactly one false->true transition may notify")
}
