package monitor

import "time"

// Snapshot is a point-in-time rate-limit status record for one monitored
// account. Immutable once constructed; one is produced per account per
// polling cycle.
type Snapshot struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Limited          bool       `json:"limited"`
	LimitedAt        *time.Time `json:"limited_at,omitempty"`
	MinutesRemaining int        `json:"minutes_remaining,omitempty"`

	// Daily usage summary. Informational only; never drives a notify decision.
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`

	ObservedAt time.Time `json:"observed_at"`
}

// RecoveryAt returns the estimated time the rate limit lifts, if known.
func (s Snapshot) RecoveryAt() (time.Time, bool) {
	if !s.Limited || s.MinutesRemaining <= 0 {
		return time.Time{}, false
	}
	base := s.ObservedAt
	if s.LimitedAt != nil {
		base = *s.LimitedAt
	}
	if base.IsZero() {
		return time.Time{}, false
	}
	return base.Add(time.Duration(s.MinutesRemaining) * time.Minute), true
}

// Decision is the outcome of comparing a snapshot against the stored baseline.
type Decision int

const (
	Suppress Decision = iota
	Notify
)

func (d Decision) String() string {
	if d == Notify {
		return "notify"
	}
	return "suppress"
}

// Reason explains why a Notify decision was taken.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonFirstSeen
	ReasonStateChanged
	ReasonForced
)

func (r Reason) String() string {
	switch r {
	case ReasonFirstSeen:
		return "first-seen"
	case ReasonStateChanged:
		return "state-changed"
	case ReasonForced:
		return "forced"
	default:
		return "none"
	}
}

// Evaluation pairs a decision with the snapshot it was taken for.
type Evaluation struct {
	Snapshot Snapshot
	Decision Decision
	Reason   Reason

	// Previous holds the displaced baseline when one existed.
	Previous *Snapshot
}
