package triage

import (
	"fmt"
	"time"
)

// Policy names accepted by NewOrderer and the QUEUE_POLICY setting.
const (
	PolicyDecay     = "decay"
	PolicyRemaining = "remaining"
	PolicyClass     = "class"
)

// DefaultDecayFactor is the number of waited minutes worth one rank point.
const DefaultDecayFactor = 10.0

// OrderingPolicy scores entries (lower is more urgent) and compares them.
// Implementations are pure: callers sample now once per pass and pass the
// same value to every comparison in that pass.
type OrderingPolicy interface {
	Name() string
	Score(e *WaitEntry, now time.Time) float64
	Less(a, b *WaitEntry, now time.Time) bool
}

// DecayPolicy scores rank - waited/DecayFactor, so long waits let lower
// acuities overtake fresh arrivals of higher acuity.
type DecayPolicy struct {
	DecayFactor float64
}

func NewDecayPolicy(decayFactor float64) DecayPolicy {
	if decayFactor <= 0 {
		decayFactor = DefaultDecayFactor
	}
	return DecayPolicy{DecayFactor: decayFactor}
}

func (DecayPolicy) Name() string { return PolicyDecay }

func (p DecayPolicy) Score(e *WaitEntry, now time.Time) float64 {
	return float64(e.Acuity.Rank()) - e.Waited(now)/p.DecayFactor
}

func (p DecayPolicy) Less(a, b *WaitEntry, now time.Time) bool {
	sa, sb := p.Score(a, now), p.Score(b, now)
	if sa != sb {
		return sa < sb
	}
	return fifoLess(a, b)
}

// OvertakeAfter returns how long an entry of acuity lower must have waited
// for its score to drop below that of a fresh entry of acuity higher.
func (p DecayPolicy) OvertakeAfter(lower, higher AcuityLevel) time.Duration {
	gap := float64(lower.Rank() - higher.Rank())
	if gap <= 0 {
		return 0
	}
	return time.Duration(gap * p.DecayFactor * float64(time.Minute))
}

// RemainingTimePolicy treats acuity as a hard partition and, within a band,
// serves whoever is closest to (or furthest past) the wait ceiling.
type RemainingTimePolicy struct{}

func (RemainingTimePolicy) Name() string { return PolicyRemaining }

// Score is the remaining minutes before the ceiling; negative when overdue.
// It only orders entries of the same acuity.
func (RemainingTimePolicy) Score(e *WaitEntry, now time.Time) float64 {
	return e.Acuity.CeilingMinutes() - e.Waited(now)
}

func (p RemainingTimePolicy) Less(a, b *WaitEntry, now time.Time) bool {
	if a.Acuity != b.Acuity {
		return a.Acuity < b.Acuity
	}
	ra, rb := p.Score(a, now), p.Score(b, now)
	if ra != rb {
		return ra < rb
	}
	return fifoLess(a, b)
}

// classPolicy orders like RemainingTimePolicy but reports the router's name.
type classPolicy struct{ RemainingTimePolicy }

func (classPolicy) Name() string { return PolicyClass }

func fifoLess(a, b *WaitEntry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.seq < b.seq
}

// NewOrderer builds the ordering engine selected by configuration.
func NewOrderer(policy string, decayFactor float64) (Orderer, error) {
	switch policy {
	case PolicyDecay, "":
		return NewPriorityHeap(NewDecayPolicy(decayFactor)), nil
	case PolicyRemaining:
		return NewPriorityHeap(RemainingTimePolicy{}), nil
	case PolicyClass:
		return NewClassQueueRouter(), nil
	default:
		return nil, fmt.Errorf("unknown queue policy %q", policy)
	}
}
