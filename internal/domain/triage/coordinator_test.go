package triage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/websocket"
)

// -- Mock Repositories --

type mockQueueRepo struct {
	entries  map[uuid.UUID]WaitEntry
	records  map[uuid.UUID]*TriageRecord
	tickets  map[uuid.UUID]string
	owners   map[uuid.UUID]uuid.UUID
	calls    []string
	failNext error
}

func newMockQueueRepo() *mockQueueRepo {
	return &mockQueueRepo{
		entries: make(map[uuid.UUID]WaitEntry),
		records: make(map[uuid.UUID]*TriageRecord),
		tickets: make(map[uuid.UUID]string),
		owners:  make(map[uuid.UUID]uuid.UUID),
	}
}

// openTicket adds a waiting reception ticket owned by patientID.
func (m *mockQueueRepo) openTicket(patientID uuid.UUID) uuid.UUID {
	id := uuid.New()
	m.tickets[id] = "waiting"
	m.owners[id] = patientID
	return id
}

func (m *mockQueueRepo) fail() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *mockQueueRepo) writeTriage(patientID uuid.UUID, rec *TriageRecord, ticketID *uuid.UUID) error {
	if ticketID != nil {
		if m.tickets[*ticketID] != "waiting" || m.owners[*ticketID] != patientID {
			return fmt.Errorf("%w: %s for patient %s", ErrTicketNotOpen, *ticketID, patientID)
		}
	}
	if rec != nil {
		cp := *rec
		m.records[rec.ID] = &cp
	}
	if ticketID != nil {
		m.tickets[*ticketID] = "triaged"
	}
	return nil
}

func (m *mockQueueRepo) RecordEnqueue(_ context.Context, e *WaitEntry, rec *TriageRecord, ticketID *uuid.UUID) error {
	m.calls = append(m.calls, "enqueue")
	if err := m.fail(); err != nil {
		return err
	}
	if err := m.writeTriage(e.PatientID, rec, ticketID); err != nil {
		return err
	}
	m.entries[e.ID] = *e
	return nil
}

func (m *mockQueueRepo) RecordReactivation(_ context.Context, e *WaitEntry, rec *TriageRecord, ticketID *uuid.UUID) error {
	m.calls = append(m.calls, "reactivate")
	if err := m.fail(); err != nil {
		return err
	}
	if err := m.writeTriage(e.PatientID, rec, ticketID); err != nil {
		return err
	}
	m.entries[e.ID] = *e
	return nil
}

func (m *mockQueueRepo) UpdateStatus(_ context.Context, e *WaitEntry) error {
	m.calls = append(m.calls, "status:"+string(e.Status))
	if err := m.fail(); err != nil {
		return err
	}
	m.entries[e.ID] = *e
	return nil
}

func (m *mockQueueRepo) ListActive(_ context.Context) ([]*WaitEntry, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []*WaitEntry
	for _, e := range m.entries {
		if e.Status == StatusWaiting || e.Status == StatusInConsultation {
			cp := e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockQueueRepo) GetTriageRecord(_ context.Context, id uuid.UUID) (*TriageRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriageNotFound, id)
	}
	return rec, nil
}

type mockPatients map[uuid.UUID]*Patient

func (m mockPatients) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return p, nil
}

func (m mockPatients) add(name string) uuid.UUID {
	id := uuid.New()
	m[id] = &Patient{ID: id, Name: name}
	return id
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	coord    *Coordinator
	repo     *mockQueueRepo
	patients mockPatients
	clock    *fakeClock
	events   *recordingPublisher
}

func newFixture(t *testing.T, policy string) *fixture {
	t.Helper()
	orderer, err := NewOrderer(policy, DefaultDecayFactor)
	if err != nil {
		t.Fatalf("NewOrderer: %v", err)
	}
	f := &fixture{
		repo:     newMockQueueRepo(),
		patients: mockPatients{},
		clock:    &fakeClock{now: t0},
		events:   &recordingPublisher{},
	}
	f.coord = NewCoordinator(orderer, f.repo, f.patients, zerolog.Nop())
	f.coord.SetClock(f.clock.Now)
	f.coord.SetPublisher(f.events)
	return f
}

func (f *fixture) triage(t *testing.T, patientID uuid.UUID, acuity AcuityLevel) *WaitEntry {
	t.Helper()
	e, err := f.coord.RegisterTriage(context.Background(), &TriageRecord{
		PatientID: patientID,
		OfficerID: "nurse-1",
		Acuity:    acuity,
		TriagedAt: f.clock.Now(),
	}, nil)
	if err != nil {
		t.Fatalf("RegisterTriage: %v", err)
	}
	return e
}

func TestCoordinator_RegisterAndDispatch(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	ana := f.patients.add("Ana")
	bruno := f.patients.add("Bruno")

	yellow := f.triage(t, ana, Urgent)
	f.clock.Advance(time.Minute)
	red := f.triage(t, bruno, Emergency)

	if yellow.PatientName != "Ana" || yellow.Status != StatusWaiting || yellow.TriageRecordID == nil {
		t.Errorf("unexpected entry %+v", yellow)
	}
	if _, ok := f.repo.records[*yellow.TriageRecordID]; !ok {
		t.Error("triage record not persisted")
	}

	got, err := f.coord.DispatchNext(ctx, "dr-grey")
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if got.ID != red.ID {
		t.Fatalf("expected red patient dispatched first, got %s", got.PatientName)
	}
	if got.Status != StatusInConsultation || got.ClinicianID == nil || *got.ClinicianID != "dr-grey" || got.StartedAt == nil {
		t.Errorf("unexpected dispatched entry %+v", got)
	}
	if f.repo.entries[red.ID].Status != StatusInConsultation {
		t.Error("dispatch not persisted")
	}

	items := f.coord.ListCurrent()
	if len(items) != 2 {
		t.Fatalf("expected 2 snapshot items, got %d", len(items))
	}
	if items[0].EntryID != yellow.ID || items[0].Status != StatusWaiting || items[0].ColorLabel != "yellow" {
		t.Errorf("expected waiting yellow first, got %+v", items[0])
	}
	if items[1].EntryID != red.ID || items[1].Status != StatusInConsultation {
		t.Errorf("expected red in consultation last, got %+v", items[1])
	}
	if items[0].WaitedMinutes != 1 {
		t.Errorf("expected 1 waited minute, got %d", items[0].WaitedMinutes)
	}

	want := []string{EventEnqueued, EventEnqueued, EventDispatched}
	gotTypes := f.events.types()
	if len(gotTypes) != len(want) {
		t.Fatalf("expected events %v, got %v", want, gotTypes)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], gotTypes[i])
		}
	}
	if f.events.events[0].Topic != QueueTopic {
		t.Errorf("expected topic %s, got %s", QueueTopic, f.events.events[0].Topic)
	}
}

func TestCoordinator_DispatchEmpty(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	e, err := f.coord.DispatchNext(context.Background(), "dr-grey")
	if err != nil {
		t.Fatalf("expected no error on empty queue, got %v", err)
	}
	if e != nil {
		t.Errorf("expected nil entry, got %+v", e)
	}
	if len(f.repo.calls) != 0 {
		t.Errorf("expected no persistence calls, got %v", f.repo.calls)
	}
}

func TestCoordinator_ReTriageReactivates(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	pid := f.patients.add("Carla")
	other := f.patients.add("Davi")

	first := f.triage(t, pid, NonUrgent)
	f.triage(t, other, LessUrgent)
	f.clock.Advance(30 * time.Minute)

	second := f.triage(t, pid, Urgent)
	if second.ID != first.ID {
		t.Fatal("re-triage created a new membership")
	}
	if f.coord.Len() != 2 {
		t.Errorf("expected queue size unchanged at 2, got %d", f.coord.Len())
	}
	if !second.EnqueuedAt.Equal(t0.Add(30 * time.Minute)) {
		t.Errorf("expected enqueuedAt refreshed, got %v", second.EnqueuedAt)
	}
	if second.Acuity != Urgent {
		t.Errorf("expected acuity updated to urgent, got %s", second.Acuity)
	}
	if *second.TriageRecordID == *first.TriageRecordID {
		t.Error("expected the new triage record to be linked")
	}
	if f.repo.calls[len(f.repo.calls)-1] != "reactivate" {
		t.Errorf("expected reactivation to be persisted, calls %v", f.repo.calls)
	}

	stored, err := f.coord.Get(first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Acuity != Urgent {
		t.Errorf("in-memory entry not updated: %+v", stored)
	}

	types := f.events.types()
	if types[len(types)-1] != EventReactivated {
		t.Errorf("expected reactivated event, got %v", types)
	}

	// Yellow refreshed at t+30 scores 3, green waiting 30 minutes scores 1.
	next, _ := f.coord.DispatchNext(ctx, "dr")
	if next.PatientID != other {
		t.Errorf("expected the aged green patient first")
	}
}

func TestCoordinator_ReTriageDuringConsultation(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	pid := f.patients.add("Eva")
	f.triage(t, pid, Urgent)
	if _, err := f.coord.DispatchNext(ctx, "dr"); err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}

	_, err := f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: pid, Acuity: Emergency}, nil)
	if !errors.Is(err, ErrPatientInConsultation) {
		t.Errorf("expected ErrPatientInConsultation, got %v", err)
	}
}

func TestCoordinator_TerminalStatesAreFinal(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	gone := f.triage(t, f.patients.add("Fabio"), Emergency)
	done := f.triage(t, f.patients.add("Gil"), Urgent)

	if _, err := f.coord.MarkNoShow(ctx, gone.ID); err != nil {
		t.Fatalf("MarkNoShow: %v", err)
	}
	started, err := f.coord.DispatchNext(ctx, "dr")
	if err != nil || started.ID != done.ID {
		t.Fatalf("expected the remaining patient to be dispatched, got %+v, %v", started, err)
	}
	finished, err := f.coord.CompleteConsultation(ctx, done.ID)
	if err != nil {
		t.Fatalf("CompleteConsultation: %v", err)
	}
	if finished.Status != StatusCompleted || finished.FinishedAt == nil {
		t.Errorf("unexpected completed entry %+v", finished)
	}

	if e, _ := f.coord.DispatchNext(ctx, "dr"); e != nil {
		t.Errorf("terminal entry dispatched again: %+v", e)
	}
	if items := f.coord.ListCurrent(); len(items) != 0 {
		t.Errorf("terminal entries still listed: %+v", items)
	}
	for _, id := range []uuid.UUID{gone.ID, done.ID} {
		if _, err := f.coord.Dispatch(ctx, id, "dr"); !errors.Is(err, ErrEntryNotFound) {
			t.Errorf("Dispatch(%s): expected ErrEntryNotFound, got %v", id, err)
		}
		if _, err := f.coord.MarkNoShow(ctx, id); !errors.Is(err, ErrEntryNotFound) {
			t.Errorf("MarkNoShow(%s): expected ErrEntryNotFound, got %v", id, err)
		}
		if _, err := f.coord.CompleteConsultation(ctx, id); !errors.Is(err, ErrEntryNotFound) {
			t.Errorf("CompleteConsultation(%s): expected ErrEntryNotFound, got %v", id, err)
		}
		if _, err := f.coord.Get(id); !errors.Is(err, ErrEntryNotFound) {
			t.Errorf("Get(%s): expected ErrEntryNotFound, got %v", id, err)
		}
	}

	// A new triage after completion opens a fresh membership.
	again := f.triage(t, done.PatientID, LessUrgent)
	if again.ID == done.ID {
		t.Error("expected a new entry id after a terminal state")
	}
}

func TestCoordinator_InvalidTransitions(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	waiting := f.triage(t, f.patients.add("Hugo"), Urgent)
	busy := f.triage(t, f.patients.add("Iris"), Emergency)
	if _, err := f.coord.Dispatch(ctx, busy.ID, "dr"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if _, err := f.coord.CompleteConsultation(ctx, waiting.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete from waiting: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.coord.MarkNoShow(ctx, busy.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("no-show from consultation: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.coord.Dispatch(ctx, busy.ID, "dr"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("dispatch twice: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.coord.Transition(ctx, waiting.ID, StatusWaiting, "dr"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition to waiting: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.coord.Transition(ctx, uuid.New(), StatusCompleted, ""); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("unknown id: expected ErrEntryNotFound, got %v", err)
	}

	got, err := f.coord.Transition(ctx, waiting.ID, StatusInConsultation, "dr-house")
	if err != nil {
		t.Fatalf("Transition to in_consultation: %v", err)
	}
	if got.Status != StatusInConsultation || *got.ClinicianID != "dr-house" {
		t.Errorf("unexpected entry %+v", got)
	}
}

func TestCoordinator_PersistenceFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	dbDown := errors.New("db down")
	pid := f.patients.add("Joao")

	f.repo.failNext = dbDown
	if _, err := f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: pid, Acuity: Urgent}, nil); !errors.Is(err, dbDown) {
		t.Fatalf("expected db error, got %v", err)
	}
	if f.coord.Len() != 0 || len(f.coord.ListCurrent()) != 0 {
		t.Fatal("failed enqueue changed the queue")
	}

	e := f.triage(t, pid, Urgent)

	f.repo.failNext = dbDown
	if _, err := f.coord.DispatchNext(ctx, "dr"); !errors.Is(err, dbDown) {
		t.Fatalf("expected db error, got %v", err)
	}
	if got, _ := f.coord.Get(e.ID); got.Status != StatusWaiting {
		t.Error("failed dispatch changed the entry")
	}

	f.repo.failNext = dbDown
	if _, err := f.coord.MarkNoShow(ctx, e.ID); !errors.Is(err, dbDown) {
		t.Fatalf("expected db error, got %v", err)
	}
	if f.coord.Len() != 1 {
		t.Error("failed no-show removed the entry")
	}

	f.clock.Advance(10 * time.Minute)
	f.repo.failNext = dbDown
	if _, err := f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: pid, Acuity: Emergency}, nil); !errors.Is(err, dbDown) {
		t.Fatalf("expected db error, got %v", err)
	}
	got, _ := f.coord.Get(e.ID)
	if got.Acuity != Urgent || !got.EnqueuedAt.Equal(t0) {
		t.Errorf("failed reactivation changed the entry: %+v", got)
	}

	if n := len(f.events.types()); n != 1 {
		t.Errorf("expected only the successful enqueue to publish, got %d events", n)
	}
}

func TestCoordinator_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()

	if _, err := f.coord.EnqueueAfterTriage(ctx, f.patients.add("K"), AcuityLevel(6), t0); !errors.Is(err, ErrInvalidAcuity) {
		t.Errorf("expected ErrInvalidAcuity, got %v", err)
	}
	if _, err := f.coord.EnqueueAfterTriage(ctx, uuid.New(), Urgent, t0); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
	if _, err := f.coord.RegisterTriage(ctx, nil, nil); err == nil {
		t.Error("expected error for nil triage record")
	}
	if len(f.repo.calls) != 0 {
		t.Errorf("invalid input reached persistence: %v", f.repo.calls)
	}
}

func TestCoordinator_BackdatedRetriageKeepsWaitClock(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	pid := f.patients.add("Gil")

	first := f.triage(t, pid, LessUrgent)
	f.clock.Advance(30 * time.Minute)

	rec := &TriageRecord{PatientID: pid, Acuity: LessUrgent, TriagedAt: t0.Add(-5 * time.Hour)}
	got, err := f.coord.RegisterTriage(ctx, rec, nil)
	if err != nil {
		t.Fatalf("RegisterTriage: %v", err)
	}
	if got.ID != first.ID {
		t.Fatal("re-triage created a new membership")
	}
	if !got.EnqueuedAt.Equal(t0) {
		t.Errorf("expected wait clock kept at %v, got %v", t0, got.EnqueuedAt)
	}
	if !rec.TriagedAt.Equal(t0) {
		t.Errorf("expected triage time raised to %v, got %v", t0, rec.TriagedAt)
	}
	if stored := f.repo.entries[first.ID]; !stored.EnqueuedAt.Equal(t0) {
		t.Errorf("persisted wait clock moved to %v", stored.EnqueuedAt)
	}

	later := t0.Add(10 * time.Minute)
	got, err = f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: pid, Acuity: Urgent, TriagedAt: later}, nil)
	if err != nil {
		t.Fatalf("RegisterTriage: %v", err)
	}
	if !got.EnqueuedAt.Equal(later) {
		t.Errorf("expected wait clock refreshed to %v, got %v", later, got.EnqueuedAt)
	}
}

func TestCoordinator_ClampsFutureObservation(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	e, err := f.coord.EnqueueAfterTriage(context.Background(), f.patients.add("Lia"), Urgent, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("EnqueueAfterTriage: %v", err)
	}
	if !e.EnqueuedAt.Equal(t0) {
		t.Errorf("expected enqueuedAt clamped to now, got %v", e.EnqueuedAt)
	}
	if e.TriageRecordID != nil {
		t.Error("fast-track entry should have no triage record")
	}

	back, err := f.coord.EnqueueAfterTriage(context.Background(), f.patients.add("Rui"), Urgent, time.Time{})
	if err != nil {
		t.Fatalf("EnqueueAfterTriage: %v", err)
	}
	if !back.EnqueuedAt.Equal(t0) {
		t.Errorf("expected zero observation to use now, got %v", back.EnqueuedAt)
	}
}

func TestCoordinator_ClosesReceptionTicket(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	pid := f.patients.add("Maria")
	ticket := f.repo.openTicket(pid)

	rec := &TriageRecord{PatientID: pid, Acuity: LessUrgent}
	if _, err := f.coord.RegisterTriage(ctx, rec, &ticket); err != nil {
		t.Fatalf("RegisterTriage: %v", err)
	}
	if f.repo.tickets[ticket] != "triaged" {
		t.Errorf("expected ticket triaged, got %s", f.repo.tickets[ticket])
	}

	other := f.patients.add("Nina")
	_, err := f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: other, Acuity: Urgent}, &ticket)
	if !errors.Is(err, ErrTicketNotOpen) {
		t.Fatalf("expected ErrTicketNotOpen, got %v", err)
	}
	if f.coord.Len() != 1 {
		t.Errorf("rejected triage changed the queue: %d", f.coord.Len())
	}
}

func TestCoordinator_RejectsTicketOfAnotherPatient(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	ana := f.patients.add("Ana")
	bia := f.patients.add("Bia")
	anaTicket := f.repo.openTicket(ana)

	_, err := f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: bia, Acuity: Urgent}, &anaTicket)
	if !errors.Is(err, ErrTicketNotOpen) {
		t.Fatalf("expected ErrTicketNotOpen, got %v", err)
	}
	if f.repo.tickets[anaTicket] != "waiting" {
		t.Errorf("ticket of another patient was closed: %s", f.repo.tickets[anaTicket])
	}
	if f.coord.Len() != 0 {
		t.Errorf("rejected triage queued the patient: %d", f.coord.Len())
	}

	entry := f.triage(t, bia, Urgent)
	_, err = f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: bia, Acuity: VeryUrgent}, &anaTicket)
	if !errors.Is(err, ErrTicketNotOpen) {
		t.Fatalf("expected ErrTicketNotOpen on reactivation, got %v", err)
	}
	if e, _ := f.coord.Get(entry.ID); e.Acuity != Urgent {
		t.Errorf("rejected re-triage changed acuity to %s", e.Acuity)
	}
}

func TestCoordinator_Rehydrate(t *testing.T) {
	for _, policy := range []string{PolicyDecay, PolicyRemaining, PolicyClass} {
		t.Run(policy, func(t *testing.T) {
			f := newFixture(t, policy)
			ctx := context.Background()
			started := t0.Add(-5 * time.Minute)
			clinician := "dr-house"
			waitingBlue := WaitEntry{ID: uuid.New(), PatientID: uuid.New(), PatientName: "O", Acuity: NonUrgent, EnqueuedAt: t0.Add(-10 * time.Minute), Status: StatusWaiting}
			waitingRed := WaitEntry{ID: uuid.New(), PatientID: uuid.New(), PatientName: "P", Acuity: Emergency, EnqueuedAt: t0.Add(-time.Minute), Status: StatusWaiting}
			busy := WaitEntry{ID: uuid.New(), PatientID: uuid.New(), PatientName: "Q", Acuity: Urgent, EnqueuedAt: t0.Add(-2 * time.Hour), Status: StatusInConsultation, ClinicianID: &clinician, StartedAt: &started}
			closed := WaitEntry{ID: uuid.New(), PatientID: uuid.New(), PatientName: "R", Acuity: Urgent, EnqueuedAt: t0.Add(-3 * time.Hour), Status: StatusCompleted}
			for _, e := range []WaitEntry{waitingBlue, waitingRed, busy, closed} {
				f.repo.entries[e.ID] = e
			}

			if err := f.coord.Rehydrate(ctx); err != nil {
				t.Fatalf("Rehydrate: %v", err)
			}
			if f.coord.Len() != 2 {
				t.Fatalf("expected 2 waiting entries, got %d", f.coord.Len())
			}
			items := f.coord.ListCurrent()
			if len(items) != 3 {
				t.Fatalf("expected 3 snapshot items, got %d", len(items))
			}
			if items[0].EntryID != waitingRed.ID || items[1].EntryID != waitingBlue.ID || items[2].EntryID != busy.ID {
				t.Errorf("unexpected order after rehydrate: %+v", items)
			}

			if _, err := f.coord.RegisterTriage(ctx, &TriageRecord{PatientID: busy.PatientID, Acuity: Urgent}, nil); !errors.Is(err, ErrPatientInConsultation) {
				t.Errorf("expected ErrPatientInConsultation for rehydrated consultation, got %v", err)
			}
			if _, err := f.coord.CompleteConsultation(ctx, busy.ID); err != nil {
				t.Errorf("CompleteConsultation after rehydrate: %v", err)
			}
			if err := f.coord.Rehydrate(ctx); err == nil {
				t.Error("expected rehydrating a non-empty queue to fail")
			}
		})
	}
}

func TestCoordinator_ConcurrentAccess(t *testing.T) {
	f := newFixture(t, PolicyDecay)
	ctx := context.Background()
	ids := make([]uuid.UUID, 50)
	for i := range ids {
		ids[i] = f.patients.add(fmt.Sprintf("p%d", i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	dispatched := map[uuid.UUID]int{}
	for i, pid := range ids {
		wg.Add(2)
		go func(pid uuid.UUID, acuity AcuityLevel) {
			defer wg.Done()
			_, _ = f.coord.EnqueueAfterTriage(ctx, pid, acuity, time.Time{})
		}(pid, Levels()[i%5])
		go func() {
			defer wg.Done()
			_ = f.coord.ListCurrent()
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := f.coord.DispatchNext(ctx, "dr")
				if err != nil || e == nil {
					return
				}
				mu.Lock()
				dispatched[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(dispatched) != len(ids) {
		t.Errorf("expected %d distinct dispatches, got %d", len(ids), len(dispatched))
	}
	for id, n := range dispatched {
		if n != 1 {
			t.Errorf("entry %s dispatched %d times", id, n)
		}
	}
}
