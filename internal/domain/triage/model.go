package triage

import (
	"time"

	"github.com/google/uuid"
)

// MembershipStatus is the lifecycle state of a queue membership.
type MembershipStatus string

const (
	StatusWaiting        MembershipStatus = "waiting"
	StatusInConsultation MembershipStatus = "in_consultation"
	StatusCompleted      MembershipStatus = "completed"
	StatusNoShow         MembershipStatus = "no_show"
)

func (s MembershipStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusNoShow
}

// CanTransition reports whether the state machine allows s -> to.
// waiting -> waiting is the reactivation self-loop.
func (s MembershipStatus) CanTransition(to MembershipStatus) bool {
	switch s {
	case StatusWaiting:
		return to == StatusWaiting || to == StatusInConsultation || to == StatusNoShow
	case StatusInConsultation:
		return to == StatusCompleted
	default:
		return false
	}
}

// ParseStatus validates a status string from an external caller.
func ParseStatus(s string) (MembershipStatus, bool) {
	switch st := MembershipStatus(s); st {
	case StatusWaiting, StatusInConsultation, StatusCompleted, StatusNoShow:
		return st, true
	}
	return "", false
}

// WaitEntry maps to the queue_entry table and is one patient's presence in
// the dispatch queue.
type WaitEntry struct {
	ID             uuid.UUID        `db:"id" json:"entry_id"`
	PatientID      uuid.UUID        `db:"patient_id" json:"patient_id"`
	PatientName    string           `db:"patient_name" json:"patient_name"`
	Acuity         AcuityLevel      `db:"acuity" json:"acuity"`
	EnqueuedAt     time.Time        `db:"enqueued_at" json:"enqueued_at"`
	Status         MembershipStatus `db:"status" json:"status"`
	TriageRecordID *uuid.UUID       `db:"triage_record_id" json:"triage_record_id,omitempty"`
	ClinicianID    *string          `db:"clinician_id" json:"clinician_id,omitempty"`
	StartedAt      *time.Time       `db:"started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time       `db:"finished_at" json:"finished_at,omitempty"`

	// seq orders entries that tie on score and enqueuedAt.
	seq uint64
}

// Waited returns the elapsed wait in real-valued minutes, clamped at zero.
func (e *WaitEntry) Waited(now time.Time) float64 {
	m := now.Sub(e.EnqueuedAt).Minutes()
	if m < 0 {
		return 0
	}
	return m
}

// Overdue reports whether the entry has waited past its acuity ceiling.
func (e *WaitEntry) Overdue(now time.Time) bool {
	return e.Waited(now) > e.Acuity.CeilingMinutes()
}

// Patient is the minimal patient projection the queue reads.
type Patient struct {
	ID   uuid.UUID `db:"id" json:"id"`
	Name string    `db:"name" json:"name"`
}

// TriageRecord maps to the triage_record table.
type TriageRecord struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	PatientID        uuid.UUID   `db:"patient_id" json:"patient_id" validate:"required"`
	OfficerID        string      `db:"officer_id" json:"officer_id"`
	Acuity           AcuityLevel `db:"acuity" json:"acuity" validate:"required,valid"`
	TriagedAt        time.Time   `db:"triaged_at" json:"triaged_at"`
	BloodPressure    *string     `db:"blood_pressure" json:"blood_pressure,omitempty"`
	Temperature      *float64    `db:"temperature" json:"temperature,omitempty" validate:"omitempty,gte=25,lte=45"`
	Glucose          *float64    `db:"glucose" json:"glucose,omitempty" validate:"omitempty,gte=0"`
	Weight           *float64    `db:"weight" json:"weight,omitempty" validate:"omitempty,gt=0"`
	OxygenSaturation *int        `db:"oxygen_saturation" json:"oxygen_saturation,omitempty" validate:"omitempty,gte=0,lte=100"`
	Symptoms         *string     `db:"symptoms" json:"symptoms,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
}

// SnapshotItem is one row of the display snapshot.
type SnapshotItem struct {
	EntryID       uuid.UUID        `json:"entry_id"`
	PatientID     uuid.UUID        `json:"patient_id"`
	PatientName   string           `json:"patient_name"`
	Acuity        AcuityLevel      `json:"acuity"`
	ColorLabel    string           `json:"color_label"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
	WaitedMinutes int              `json:"waited_minutes"`
	Score         float64          `json:"score"`
	Overdue       bool             `json:"overdue"`
	Status        MembershipStatus `json:"status"`
	ClinicianID   *string          `json:"clinician_id,omitempty"`
}

func newSnapshotItem(e *WaitEntry, policy OrderingPolicy, now time.Time) SnapshotItem {
	item := SnapshotItem{
		EntryID:       e.ID,
		PatientID:     e.PatientID,
		PatientName:   e.PatientName,
		Acuity:        e.Acuity,
		ColorLabel:    e.Acuity.Color(),
		EnqueuedAt:    e.EnqueuedAt,
		WaitedMinutes: int(e.Waited(now)),
		Status:        e.Status,
		ClinicianID:   e.ClinicianID,
	}
	if e.Status == StatusWaiting {
		item.Score = policy.Score(e, now)
		item.Overdue = e.Overdue(now)
	}
	return item
}
