package triage

import (
	"context"

	"github.com/google/uuid"
)

// QueueRepository persists queue memberships and triage events. Every method
// is one durable step; the coordinator only mutates its in-memory order after
// the corresponding call returned nil.
type QueueRepository interface {
	// RecordEnqueue stores a new membership together with the triage record
	// (nil for fast-track) and closes the reception ticket when ticketID is
	// set, all in one transaction.
	RecordEnqueue(ctx context.Context, e *WaitEntry, rec *TriageRecord, ticketID *uuid.UUID) error
	// RecordReactivation refreshes an existing waiting membership after a
	// re-triage, with the same transactional scope as RecordEnqueue.
	RecordReactivation(ctx context.Context, e *WaitEntry, rec *TriageRecord, ticketID *uuid.UUID) error
	UpdateStatus(ctx context.Context, e *WaitEntry) error
	// ListActive returns waiting and in-consultation memberships joined with
	// the patient name, oldest first.
	ListActive(ctx context.Context) ([]*WaitEntry, error)
	GetTriageRecord(ctx context.Context, id uuid.UUID) (*TriageRecord, error)
}

type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
}
