package reception

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrDuplicatePatient = errors.New("patient already registered")
	ErrTicketNotFound   = errors.New("reception ticket not found")
	ErrTicketOpen       = errors.New("patient already has an open reception ticket")
	ErrTicketClosed     = errors.New("reception ticket is no longer waiting")
	ErrNameRequired     = errors.New("patient name is required")
)

// TicketStatus is the lifecycle of a reception ticket: waiting until the
// patient is triaged or leaves.
type TicketStatus string

const (
	TicketWaiting TicketStatus = "waiting"
	TicketTriaged TicketStatus = "triaged"
	TicketNoShow  TicketStatus = "no_show"
)

// Patient maps to the patient table.
type Patient struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	Name       string     `db:"name" json:"name" validate:"required,min=2,max=200"`
	Document   *string    `db:"document" json:"document,omitempty" validate:"omitempty,max=32"`
	HealthCard *string    `db:"health_card" json:"health_card,omitempty" validate:"omitempty,max=32"`
	BirthDate  *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender     *string    `db:"gender" json:"gender,omitempty" validate:"omitempty,oneof=female male other unknown"`
	Phone      *string    `db:"phone" json:"phone,omitempty" validate:"omitempty,max=32"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Ticket maps to the reception_ticket table: one arrival waiting for triage.
type Ticket struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	PatientID   uuid.UUID    `db:"patient_id" json:"patient_id"`
	PatientName string       `db:"patient_name" json:"patient_name"`
	AttendantID string       `db:"attendant_id" json:"attendant_id"`
	ArrivedAt   time.Time    `db:"arrived_at" json:"arrived_at"`
	Status      TicketStatus `db:"status" json:"status"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}
