package reception

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// Search matches name prefix case-insensitively; an empty name lists all.
	Search(ctx context.Context, name string, limit, offset int) ([]*Patient, int, error)
}

type TicketRepository interface {
	Create(ctx context.Context, t *Ticket) error
	GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error)
	// OpenForPatient returns the patient's waiting ticket, or nil.
	OpenForPatient(ctx context.Context, patientID uuid.UUID) (*Ticket, error)
	// ListWaiting returns waiting tickets that arrived at or after since,
	// oldest first.
	ListWaiting(ctx context.Context, since time.Time, limit, offset int) ([]*Ticket, int, error)
	// Close moves a waiting ticket to status; ErrTicketClosed if it is not
	// waiting anymore.
	Close(ctx context.Context, id uuid.UUID, status TicketStatus) (*Ticket, error)
}
