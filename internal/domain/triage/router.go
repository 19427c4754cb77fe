package triage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClassQueueRouter keeps one heap per acuity band and drains bands in strict
// order: no NonUrgent patient is served while anyone more urgent waits, so
// low-acuity patients can be postponed indefinitely under sustained load.
type ClassQueueRouter struct {
	bands map[AcuityLevel]*PriorityHeap
	band  map[uuid.UUID]AcuityLevel
}

func NewClassQueueRouter() *ClassQueueRouter {
	r := &ClassQueueRouter{
		bands: make(map[AcuityLevel]*PriorityHeap, len(acuityTable)),
		band:  make(map[uuid.UUID]AcuityLevel),
	}
	for _, level := range Levels() {
		r.bands[level] = NewPriorityHeap(RemainingTimePolicy{})
	}
	return r
}

func (r *ClassQueueRouter) Policy() OrderingPolicy { return classPolicy{} }

func (r *ClassQueueRouter) Len() int { return len(r.band) }

func (r *ClassQueueRouter) Insert(e *WaitEntry, now time.Time) error {
	if e == nil {
		return fmt.Errorf("entry is nil")
	}
	q, ok := r.bands[e.Acuity]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidAcuity, int(e.Acuity))
	}
	if _, dup := r.band[e.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	if err := q.Insert(e, now); err != nil {
		return err
	}
	r.band[e.ID] = e.Acuity
	return nil
}

func (r *ClassQueueRouter) Peek(now time.Time) *WaitEntry {
	for _, level := range Levels() {
		if e := r.bands[level].Peek(now); e != nil {
			return e
		}
	}
	return nil
}

func (r *ClassQueueRouter) Remove(now time.Time) *WaitEntry {
	for _, level := range Levels() {
		if e := r.bands[level].Remove(now); e != nil {
			delete(r.band, e.ID)
			return e
		}
	}
	return nil
}

func (r *ClassQueueRouter) Delete(id uuid.UUID, now time.Time) (*WaitEntry, error) {
	level, ok := r.band[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e, err := r.bands[level].Delete(id, now)
	if err != nil {
		return nil, err
	}
	delete(r.band, id)
	return e, nil
}

// Reactivate moves the entry to its new band when re-triage changed acuity.
func (r *ClassQueueRouter) Reactivate(id uuid.UUID, acuity AcuityLevel, at, now time.Time) error {
	if !acuity.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAcuity, int(acuity))
	}
	level, ok := r.band[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if level == acuity {
		return r.bands[level].Reactivate(id, acuity, at, now)
	}
	e, err := r.bands[level].Delete(id, now)
	if err != nil {
		return err
	}
	e.Acuity = acuity
	e.EnqueuedAt = at
	e.Status = StatusWaiting
	if err := r.bands[acuity].Insert(e, now); err != nil {
		return err
	}
	r.band[id] = acuity
	return nil
}

func (r *ClassQueueRouter) Get(id uuid.UUID) (*WaitEntry, bool) {
	level, ok := r.band[id]
	if !ok {
		return nil, false
	}
	return r.bands[level].Get(id)
}

func (r *ClassQueueRouter) Snapshot() []WaitEntry {
	out := make([]WaitEntry, 0, len(r.band))
	for _, level := range Levels() {
		out = append(out, r.bands[level].Snapshot()...)
	}
	return out
}

// List concatenates each band's sorted listing, most urgent band first.
func (r *ClassQueueRouter) List(now time.Time) []WaitEntry {
	out := make([]WaitEntry, 0, len(r.band))
	for _, level := range Levels() {
		out = append(out, r.bands[level].List(now)...)
	}
	return out
}
