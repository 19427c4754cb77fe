package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/websocket"
)

// Queue event types published on QueueTopic.
const (
	QueueTopic = "queue"

	EventEnqueued    = "entry.enqueued"
	EventReactivated = "entry.reactivated"
	EventDispatched  = "entry.dispatched"
	EventCompleted   = "entry.completed"
	EventNoShow      = "entry.no_show"
	EventOverdue     = "entry.overdue"
)

// Coordinator is the single owner of the dispatch queue. It persists every
// transition before applying it to the ordering engine, and serializes all
// access with one mutex.
type Coordinator struct {
	// mu is held across repository writes, so ListCurrent and Get wait for
	// any in-flight database round trip.
	mu         sync.Mutex
	orderer    Orderer
	consulting map[uuid.UUID]*WaitEntry
	byPatient  map[uuid.UUID]uuid.UUID
	overdue    map[uuid.UUID]struct{}

	repo     QueueRepository
	patients PatientDirectory
	events   websocket.EventPublisher
	clock    func() time.Time
	logger   zerolog.Logger
}

func NewCoordinator(orderer Orderer, repo QueueRepository, patients PatientDirectory, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		orderer:    orderer,
		consulting: make(map[uuid.UUID]*WaitEntry),
		byPatient:  make(map[uuid.UUID]uuid.UUID),
		overdue:    make(map[uuid.UUID]struct{}),
		repo:       repo,
		patients:   patients,
		clock:      time.Now,
		logger:     logger.With().Str("component", "queue").Logger(),
	}
}

// SetPublisher attaches an optional event publisher.
func (c *Coordinator) SetPublisher(p websocket.EventPublisher) {
	c.events = p
}

// SetClock replaces the wall clock, for tests.
func (c *Coordinator) SetClock(clock func() time.Time) {
	c.clock = clock
}

func (c *Coordinator) Now() time.Time { return c.clock() }

func (c *Coordinator) PolicyName() string { return c.orderer.Policy().Name() }

// EnqueueAfterTriage places a patient in the queue without a triage record
// (fast-track). A patient already waiting is reactivated instead.
func (c *Coordinator) EnqueueAfterTriage(ctx context.Context, patientID uuid.UUID, acuity AcuityLevel, observedAt time.Time) (*WaitEntry, error) {
	return c.enqueue(ctx, patientID, acuity, observedAt, nil, nil)
}

// RegisterTriage records a triage event and enqueues or reactivates the
// patient's membership. ticketID, when set, is the reception ticket closed by
// this triage.
func (c *Coordinator) RegisterTriage(ctx context.Context, rec *TriageRecord, ticketID *uuid.UUID) (*WaitEntry, error) {
	if rec == nil {
		return nil, fmt.Errorf("triage record is required")
	}
	return c.enqueue(ctx, rec.PatientID, rec.Acuity, rec.TriagedAt, rec, ticketID)
}

func (c *Coordinator) enqueue(ctx context.Context, patientID uuid.UUID, acuity AcuityLevel, at time.Time, rec *TriageRecord, ticketID *uuid.UUID) (*WaitEntry, error) {
	if !acuity.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAcuity, int(acuity))
	}
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	if at.IsZero() || at.After(now) {
		at = now
	}
	if rec != nil {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.PatientID = patientID
		rec.Acuity = acuity
		rec.TriagedAt = at
	}

	if entryID, ok := c.byPatient[patientID]; ok {
		if _, busy := c.consulting[entryID]; busy {
			return nil, fmt.Errorf("%w: %s", ErrPatientInConsultation, patientID)
		}
		return c.reactivateLocked(ctx, entryID, acuity, at, now, rec, ticketID)
	}

	p, err := c.patients.GetPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	e := &WaitEntry{
		ID:          uuid.New(),
		PatientID:   patientID,
		PatientName: p.Name,
		Acuity:      acuity,
		EnqueuedAt:  at,
		Status:      StatusWaiting,
	}
	if rec != nil {
		e.TriageRecordID = &rec.ID
	}
	if err := c.repo.RecordEnqueue(ctx, e, rec, ticketID); err != nil {
		return nil, fmt.Errorf("record enqueue: %w", err)
	}
	if err := c.orderer.Insert(e, now); err != nil {
		return nil, err
	}
	c.byPatient[patientID] = e.ID

	c.transition(ctx, EventEnqueued, e, now)
	out := *e
	return &out, nil
}

func (c *Coordinator) reactivateLocked(ctx context.Context, entryID uuid.UUID, acuity AcuityLevel, at, now time.Time, rec *TriageRecord, ticketID *uuid.UUID) (*WaitEntry, error) {
	e, ok := c.orderer.Get(entryID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	// Re-triage refreshes the wait clock; it never moves it back.
	if at.Before(e.EnqueuedAt) {
		at = e.EnqueuedAt
	}
	if rec != nil {
		rec.TriagedAt = at
	}
	upd := *e
	upd.Acuity = acuity
	upd.EnqueuedAt = at
	upd.Status = StatusWaiting
	if rec != nil {
		upd.TriageRecordID = &rec.ID
	}
	if err := c.repo.RecordReactivation(ctx, &upd, rec, ticketID); err != nil {
		return nil, fmt.Errorf("record reactivation: %w", err)
	}
	if err := c.orderer.Reactivate(entryID, acuity, at, now); err != nil {
		return nil, err
	}
	e, _ = c.orderer.Get(entryID)
	e.TriageRecordID = upd.TriageRecordID
	delete(c.overdue, entryID)

	c.transition(ctx, EventReactivated, e, now)
	out := *e
	return &out, nil
}

// DispatchNext hands the most urgent waiting patient to clinicianID. It
// returns (nil, nil) when nobody is waiting.
func (c *Coordinator) DispatchNext(ctx context.Context, clinicianID string) (*WaitEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	head := c.orderer.Peek(now)
	if head == nil {
		return nil, nil
	}
	upd := beginConsultation(head, clinicianID, now)
	if err := c.repo.UpdateStatus(ctx, &upd); err != nil {
		return nil, fmt.Errorf("record dispatch: %w", err)
	}
	e := c.orderer.Remove(now)
	*e = upd
	c.consulting[e.ID] = e
	delete(c.overdue, e.ID)

	c.transition(ctx, EventDispatched, e, now)
	out := *e
	return &out, nil
}

// Dispatch hands a specific waiting entry to clinicianID, for boards where
// the clinician picks the patient.
func (c *Coordinator) Dispatch(ctx context.Context, entryID uuid.UUID, clinicianID string) (*WaitEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	e, ok := c.orderer.Get(entryID)
	if !ok {
		if _, busy := c.consulting[entryID]; busy {
			return nil, fmt.Errorf("%w: entry %s is already in consultation", ErrInvalidTransition, entryID)
		}
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	upd := beginConsultation(e, clinicianID, now)
	if err := c.repo.UpdateStatus(ctx, &upd); err != nil {
		return nil, fmt.Errorf("record dispatch: %w", err)
	}
	e, err := c.orderer.Delete(entryID, now)
	if err != nil {
		return nil, err
	}
	*e = upd
	c.consulting[e.ID] = e
	delete(c.overdue, e.ID)

	c.transition(ctx, EventDispatched, e, now)
	out := *e
	return &out, nil
}

func beginConsultation(e *WaitEntry, clinicianID string, now time.Time) WaitEntry {
	upd := *e
	upd.Status = StatusInConsultation
	upd.StartedAt = &now
	if clinicianID != "" {
		upd.ClinicianID = &clinicianID
	}
	return upd
}

// CompleteConsultation closes an in-consultation membership.
func (c *Coordinator) CompleteConsultation(ctx context.Context, entryID uuid.UUID) (*WaitEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	e, ok := c.consulting[entryID]
	if !ok {
		if _, waiting := c.orderer.Get(entryID); waiting {
			return nil, fmt.Errorf("%w: entry %s has not started consultation", ErrInvalidTransition, entryID)
		}
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	upd := *e
	upd.Status = StatusCompleted
	upd.FinishedAt = &now
	if err := c.repo.UpdateStatus(ctx, &upd); err != nil {
		return nil, fmt.Errorf("record completion: %w", err)
	}
	*e = upd
	delete(c.consulting, entryID)
	delete(c.byPatient, e.PatientID)

	c.transition(ctx, EventCompleted, e, now)
	out := *e
	return &out, nil
}

// MarkNoShow closes a waiting membership whose patient did not answer.
func (c *Coordinator) MarkNoShow(ctx context.Context, entryID uuid.UUID) (*WaitEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	e, ok := c.orderer.Get(entryID)
	if !ok {
		if _, busy := c.consulting[entryID]; busy {
			return nil, fmt.Errorf("%w: entry %s is in consultation", ErrInvalidTransition, entryID)
		}
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	upd := *e
	upd.Status = StatusNoShow
	upd.FinishedAt = &now
	if err := c.repo.UpdateStatus(ctx, &upd); err != nil {
		return nil, fmt.Errorf("record no-show: %w", err)
	}
	e, err := c.orderer.Delete(entryID, now)
	if err != nil {
		return nil, err
	}
	*e = upd
	delete(c.byPatient, e.PatientID)
	delete(c.overdue, entryID)

	c.transition(ctx, EventNoShow, e, now)
	out := *e
	return &out, nil
}

// Transition applies an externally requested status change. Moving back to
// waiting is only possible through a new triage event.
func (c *Coordinator) Transition(ctx context.Context, entryID uuid.UUID, to MembershipStatus, clinicianID string) (*WaitEntry, error) {
	switch to {
	case StatusInConsultation:
		return c.Dispatch(ctx, entryID, clinicianID)
	case StatusCompleted:
		return c.CompleteConsultation(ctx, entryID)
	case StatusNoShow:
		return c.MarkNoShow(ctx, entryID)
	default:
		return nil, fmt.Errorf("%w: cannot move an entry to %q", ErrInvalidTransition, to)
	}
}

// ListCurrent returns the display snapshot: waiting entries in dispatch
// order followed by entries in consultation, oldest start first. It samples
// the clock once and sorts outside the lock.
func (c *Coordinator) ListCurrent() []SnapshotItem {
	c.mu.Lock()
	now := c.clock()
	policy := c.orderer.Policy()
	waiting := c.orderer.Snapshot()
	consulting := make([]WaitEntry, 0, len(c.consulting))
	for _, e := range c.consulting {
		consulting = append(consulting, *e)
	}
	c.mu.Unlock()

	SortEntries(policy, waiting, now)
	sort.Slice(consulting, func(i, j int) bool {
		return startedBefore(&consulting[i], &consulting[j])
	})

	items := make([]SnapshotItem, 0, len(waiting)+len(consulting))
	for i := range waiting {
		items = append(items, newSnapshotItem(&waiting[i], policy, now))
	}
	for i := range consulting {
		items = append(items, newSnapshotItem(&consulting[i], policy, now))
	}
	return items
}

func startedBefore(a, b *WaitEntry) bool {
	if a.StartedAt == nil || b.StartedAt == nil {
		return a.StartedAt != nil
	}
	return a.StartedAt.Before(*b.StartedAt)
}

// Get returns a copy of an active membership.
func (c *Coordinator) Get(entryID uuid.UUID) (*WaitEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.orderer.Get(entryID); ok {
		out := *e
		return &out, nil
	}
	if e, ok := c.consulting[entryID]; ok {
		out := *e
		return &out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
}

func (c *Coordinator) GetTriageRecord(ctx context.Context, id uuid.UUID) (*TriageRecord, error) {
	return c.repo.GetTriageRecord(ctx, id)
}

// Len returns the number of waiting entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderer.Len()
}

// Rehydrate rebuilds the in-memory queue from storage. It must run before
// the coordinator serves requests.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	entries, err := c.repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load active entries: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.orderer.Len() > 0 || len(c.consulting) > 0 {
		return errors.New("rehydrate on a non-empty queue")
	}
	now := c.clock()
	var waiting, consulting int
	for _, e := range entries {
		if _, dup := c.byPatient[e.PatientID]; dup {
			c.logger.Warn().Str("entry_id", e.ID.String()).Str("patient_id", e.PatientID.String()).
				Msg("skipping second active entry for patient")
			continue
		}
		switch e.Status {
		case StatusWaiting:
			if e.EnqueuedAt.After(now) {
				e.EnqueuedAt = now
			}
			if err := c.orderer.Insert(e, now); err != nil {
				return fmt.Errorf("rehydrate entry %s: %w", e.ID, err)
			}
			waiting++
		case StatusInConsultation:
			c.consulting[e.ID] = e
			consulting++
		default:
			continue
		}
		c.byPatient[e.PatientID] = e.ID
	}
	c.logger.Info().Int("waiting", waiting).Int("in_consultation", consulting).
		Str("policy", c.orderer.Policy().Name()).Msg("queue rehydrated")
	return nil
}

// collectOverdue returns waiting entries that breached their ceiling since
// the last call. Each membership is reported once until it is reactivated.
func (c *Coordinator) collectOverdue() ([]WaitEntry, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	var out []WaitEntry
	for _, e := range c.orderer.Snapshot() {
		if _, seen := c.overdue[e.ID]; seen || !e.Overdue(now) {
			continue
		}
		c.overdue[e.ID] = struct{}{}
		out = append(out, e)
	}
	SortEntries(c.orderer.Policy(), out, now)
	return out, now
}

func (c *Coordinator) transition(ctx context.Context, eventType string, e *WaitEntry, now time.Time) {
	c.logger.Info().
		Str("event", eventType).
		Str("entry_id", e.ID.String()).
		Str("patient_id", e.PatientID.String()).
		Int("acuity", e.Acuity.Rank()).
		Msg("queue transition")
	c.publish(ctx, eventType, e, now)
}

func (c *Coordinator) publish(ctx context.Context, eventType string, e *WaitEntry, now time.Time) {
	if c.events == nil {
		return
	}
	data, err := json.Marshal(newSnapshotItem(e, c.orderer.Policy(), now))
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal queue event")
		return
	}
	event := websocket.Event{
		Type:         eventType,
		Topic:        QueueTopic,
		ResourceType: "QueueEntry",
		ResourceID:   e.ID.String(),
		Timestamp:    now,
		Data:         data,
	}
	if err := c.events.Publish(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("event", eventType).Msg("publish queue event")
	}
}
