package monitor

import (
	"context"
	"hash/fnv"
	"sync"

	logx "limitwatch/pkg/logx"
)

// SnapshotStore is the persistence surface the detector needs. An entry exists
// only after at least one Notify decision has been taken for that account;
// the detector overwrites it on every subsequent Notify and never deletes it.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, id string) (Snapshot, bool, error)
	PutSnapshot(ctx context.Context, snap Snapshot) error
}

// Detector decides, per account, whether an incoming snapshot warrants a
// notification. Only the limited-flag transition triggers: minutes_remaining
// and usage counters are payload, not trigger, which keeps a ticking countdown
// from producing a notification storm.
//
// Safe for concurrent use; evaluations for the same account are serialized so
// read-then-commit is atomic per id, while distinct accounts proceed in
// parallel.
type Detector struct {
	store SnapshotStore
	log   logx.Logger

	locks [64]sync.Mutex
}

func NewDetector(store SnapshotStore, log logx.Logger) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{store: store, log: log}
}

func (d *Detector) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &d.locks[h.Sum32()%uint32(len(d.locks))]
}

// Evaluate compares snap against the stored baseline for snap.ID.
//
// First-seen accounts always notify. Otherwise a notification fires iff the
// limited flag flipped, or force is set. The baseline is refreshed on every
// Notify decision (including forced ones) so a later natural transition is
// still detected against the freshest state.
//
// Evaluate never fails: a store read error is treated as first-seen, because
// suppressing a real rate-limit notification is worse than an extra one.
func (d *Detector) Evaluate(ctx context.Context, snap Snapshot, force bool) Evaluation {
	mu := d.lockFor(snap.ID)
	mu.Lock()
	defer mu.Unlock()

	prev, found, err := d.store.GetSnapshot(ctx, snap.ID)
	if err != nil {
		d.log.Warn("baseline read failed, treating as first-seen",
			logx.String("account", snap.ID), logx.Err(err))
		found = false
	}

	ev := Evaluation{Snapshot: snap}
	switch {
	case !found:
		ev.Decision = Notify
		ev.Reason = ReasonFirstSeen
	case prev.Limited != snap.Limited:
		p := prev
		ev.Previous = &p
		ev.Decision = Notify
		ev.Reason = ReasonStateChanged
	case force:
		p := prev
		ev.Previous = &p
		ev.Decision = Notify
		ev.Reason = ReasonForced
	default:
		p := prev
		ev.Previous = &p
		ev.Decision = Suppress
		return ev
	}

	if err := d.store.PutSnapshot(ctx, snap); err != nil {
		// The notification still goes out; the stale baseline just means the
		// next cycle may notify again.
		d.log.Warn("baseline commit failed",
			logx.String("account", snap.ID), logx.Err(err))
	}
	return ev
}

// EvaluateBatch evaluates one polling cycle. Decisions are independent per
// account; the returned slice holds only Notify evaluations, in input order,
// ready to be aggregated into a single outbound message. Suppressed accounts
// are dropped, not replaced with stale data.
func (d *Detector) EvaluateBatch(ctx context.Context, snaps []Snapshot, force bool) []Evaluation {
	out := make([]Evaluation, 0, len(snaps))
	for _, snap := range snaps {
		ev := d.Evaluate(ctx, snap, force)
		if ev.Decision == Notify {
			out = append(out, ev)
		} else {
			d.log.Debug("status unchanged, suppressing",
				logx.String("account", snap.ID), logx.Bool("limited", snap.Limited))
		}
	}
	return out
}
