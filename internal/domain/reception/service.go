package reception

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/triage/internal/platform/websocket"
)

// Reception events published on ReceptionTopic.
const (
	ReceptionTopic = "reception"

	EventTicketCreated = "ticket.created"
	EventTicketNoShow  = "ticket.no_show"
)

type Service struct {
	patients PatientRepository
	tickets  TicketRepository
	events   websocket.EventPublisher
	clock    func() time.Time
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, tickets TicketRepository, logger zerolog.Logger) *Service {
	return &Service{
		patients: patients,
		tickets:  tickets,
		clock:    time.Now,
		logger:   logger.With().Str("component", "reception").Logger(),
	}
}

// SetPublisher attaches an optional event publisher.
func (s *Service) SetPublisher(p websocket.EventPublisher) {
	s.events = p
}

func (s *Service) SetClock(clock func() time.Time) {
	s.clock = clock
}

// -- Patients --

func (s *Service) RegisterPatient(ctx context.Context, p *Patient) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return ErrNameRequired
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Msg("patient registered")
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) SearchPatients(ctx context.Context, name string, limit, offset int) ([]*Patient, int, error) {
	return s.patients.Search(ctx, name, limit, offset)
}

// -- Tickets --

// CheckIn opens a reception ticket for an arrived patient. A patient can
// hold one waiting ticket at a time.
func (s *Service) CheckIn(ctx context.Context, patientID uuid.UUID, attendantID string) (*Ticket, error) {
	if patientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required")
	}
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	open, err := s.tickets.OpenForPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, fmt.Errorf("%w: ticket %s", ErrTicketOpen, open.ID)
	}

	t := &Ticket{
		PatientID:   patientID,
		PatientName: p.Name,
		AttendantID: attendantID,
		ArrivedAt:   s.clock(),
		Status:      TicketWaiting,
	}
	if err := s.tickets.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info().Str("ticket_id", t.ID.String()).Str("patient_id", patientID.String()).
		Str("attendant_id", attendantID).Msg("patient checked in")
	s.publish(ctx, EventTicketCreated, t)
	return t, nil
}

// ListWaiting returns today's open tickets in arrival order.
func (s *Service) ListWaiting(ctx context.Context, limit, offset int) ([]*Ticket, int, error) {
	return s.tickets.ListWaiting(ctx, startOfDay(s.clock()), limit, offset)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (s *Service) GetTicket(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	return s.tickets.GetByID(ctx, id)
}

// MarkNoShow closes a waiting ticket whose patient left before triage.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	t, err := s.tickets.Close(ctx, id, TicketNoShow)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("ticket_id", id.String()).Msg("ticket marked no-show")
	s.publish(ctx, EventTicketNoShow, t)
	return t, nil
}

func (s *Service) publish(ctx context.Context, eventType string, t *Ticket) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal reception event")
		return
	}
	err = s.events.Publish(ctx, websocket.Event{
		Type:         eventType,
		Topic:        ReceptionTopic,
		ResourceType: "ReceptionTicket",
		ResourceID:   t.ID.String(),
		Timestamp:    s.clock(),
		Data:         data,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("publish reception event")
	}
}
