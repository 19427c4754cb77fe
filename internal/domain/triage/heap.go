package triage

import (
	"container/heap"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Orderer is the ordering engine behind the coordinator. It is not safe for
// concurrent use; the coordinator serializes access.
type Orderer interface {
	Policy() OrderingPolicy
	Len() int
	Insert(e *WaitEntry, now time.Time) error
	Peek(now time.Time) *WaitEntry
	Remove(now time.Time) *WaitEntry
	Delete(id uuid.UUID, now time.Time) (*WaitEntry, error)
	Reactivate(id uuid.UUID, acuity AcuityLevel, at, now time.Time) error
	Get(id uuid.UUID) (*WaitEntry, bool)
	// Snapshot copies the current entries in unspecified order.
	Snapshot() []WaitEntry
	List(now time.Time) []WaitEntry
}

// entryHeap implements heap.Interface. now is set by PriorityHeap before
// every heap operation so one pass compares with one clock sample.
type entryHeap struct {
	items  []*WaitEntry
	index  map[uuid.UUID]int
	policy OrderingPolicy
	now    time.Time
}

func (h *entryHeap) Len() int { return len(h.items) }

func (h *entryHeap) Less(i, j int) bool {
	return h.policy.Less(h.items[i], h.items[j], h.now)
}

func (h *entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].ID] = i
	h.index[h.items[j].ID] = j
}

func (h *entryHeap) Push(x interface{}) {
	e, _ := x.(*WaitEntry)
	h.index[e.ID] = len(h.items)
	h.items = append(h.items, e)
}

func (h *entryHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // Avoid memory leak
	h.items = old[:n-1]
	delete(h.index, e.ID)
	return e
}

// PriorityHeap is a binary min-heap of waiting entries ordered by an
// OrderingPolicy.
type PriorityHeap struct {
	h   *entryHeap
	seq uint64
}

func NewPriorityHeap(policy OrderingPolicy) *PriorityHeap {
	return &PriorityHeap{
		h: &entryHeap{
			index:  make(map[uuid.UUID]int),
			policy: policy,
		},
	}
}

func (p *PriorityHeap) Policy() OrderingPolicy { return p.h.policy }

func (p *PriorityHeap) Len() int { return p.h.Len() }

// Insert adds e in O(log n). A second entry with the same id is rejected.
func (p *PriorityHeap) Insert(e *WaitEntry, now time.Time) error {
	if e == nil {
		return fmt.Errorf("entry is nil")
	}
	if !e.Acuity.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAcuity, int(e.Acuity))
	}
	if _, ok := p.h.index[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	p.seq++
	e.seq = p.seq
	p.h.now = now
	heap.Push(p.h, e)
	return nil
}

// Peek returns the most urgent entry without removing it, or nil.
func (p *PriorityHeap) Peek(_ time.Time) *WaitEntry {
	if p.h.Len() == 0 {
		return nil
	}
	return p.h.items[0]
}

// Remove evicts and returns the most urgent entry, or nil when empty.
func (p *PriorityHeap) Remove(now time.Time) *WaitEntry {
	if p.h.Len() == 0 {
		return nil
	}
	p.h.now = now
	e, _ := heap.Pop(p.h).(*WaitEntry)
	return e
}

// Delete evicts a specific entry.
func (p *PriorityHeap) Delete(id uuid.UUID, now time.Time) (*WaitEntry, error) {
	i, ok := p.h.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	p.h.now = now
	e, _ := heap.Remove(p.h, i).(*WaitEntry)
	return e, nil
}

// Reactivate refreshes an entry's wait clock (and acuity, after re-triage)
// and restores heap order around it.
func (p *PriorityHeap) Reactivate(id uuid.UUID, acuity AcuityLevel, at, now time.Time) error {
	if !acuity.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAcuity, int(acuity))
	}
	i, ok := p.h.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e := p.h.items[i]
	e.Acuity = acuity
	e.EnqueuedAt = at
	e.Status = StatusWaiting
	p.seq++
	e.seq = p.seq
	p.h.now = now
	heap.Fix(p.h, i)
	return nil
}

func (p *PriorityHeap) Get(id uuid.UUID) (*WaitEntry, bool) {
	i, ok := p.h.index[id]
	if !ok {
		return nil, false
	}
	return p.h.items[i], true
}

func (p *PriorityHeap) Snapshot() []WaitEntry {
	out := make([]WaitEntry, len(p.h.items))
	for i, e := range p.h.items {
		out[i] = *e
	}
	return out
}

// List returns every entry in full urgency order. List(now)[0] is the entry
// Remove(now) would return.
func (p *PriorityHeap) List(now time.Time) []WaitEntry {
	out := p.Snapshot()
	SortEntries(p.h.policy, out, now)
	return out
}

// SortEntries sorts entries in place by policy at a single instant.
func SortEntries(policy OrderingPolicy, entries []WaitEntry, now time.Time) {
	sort.Slice(entries, func(i, j int) bool {
		return policy.Less(&entries[i], &entries[j], now)
	})
}
