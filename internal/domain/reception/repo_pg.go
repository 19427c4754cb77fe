package reception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/triage/internal/platform/db"
)

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, name, document, health_card, birth_date, gender, phone, created_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Document, &p.HealthCard, &p.BirthDate, &p.Gender, &p.Phone, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, name, document, health_card, birth_date, gender, phone)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		p.ID, p.Name, p.Document, p.HealthCard, p.BirthDate, p.Gender, p.Phone).Scan(&p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return ErrDuplicatePatient
	}
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return p, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *patientRepoPG) Search(ctx context.Context, name string, limit, offset int) ([]*Patient, int, error) {
	pattern := likeEscaper.Replace(strings.TrimSpace(name)) + "%"
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient WHERE lower(name) LIKE lower($1)`, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient
		WHERE lower(name) LIKE lower($1) ORDER BY name, created_at LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Ticket Repository ===========

type ticketRepoPG struct{ pool *pgxpool.Pool }

func NewTicketRepoPG(pool *pgxpool.Pool) TicketRepository { return &ticketRepoPG{pool: pool} }

func (r *ticketRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const ticketCols = `t.id, t.patient_id, p.name, t.attendant_id, t.arrived_at, t.status, t.updated_at`

func (r *ticketRepoPG) scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	var status string
	err := row.Scan(&t.ID, &t.PatientID, &t.PatientName, &t.AttendantID, &t.ArrivedAt, &status, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TicketStatus(status)
	return &t, nil
}

func (r *ticketRepoPG) Create(ctx context.Context, t *Ticket) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO reception_ticket (id, patient_id, attendant_id, arrived_at, status)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING updated_at`,
		t.ID, t.PatientID, t.AttendantID, t.ArrivedAt, string(t.Status)).Scan(&t.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrTicketOpen, t.PatientID)
	}
	return err
}

func (r *ticketRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Ticket, error) {
	t, err := r.scanTicket(r.conn(ctx).QueryRow(ctx, `SELECT `+ticketCols+`
		FROM reception_ticket t JOIN patient p ON p.id = t.patient_id WHERE t.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return t, err
}

func (r *ticketRepoPG) OpenForPatient(ctx context.Context, patientID uuid.UUID) (*Ticket, error) {
	t, err := r.scanTicket(r.conn(ctx).QueryRow(ctx, `SELECT `+ticketCols+`
		FROM reception_ticket t JOIN patient p ON p.id = t.patient_id
		WHERE t.patient_id = $1 AND t.status = 'waiting'`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (r *ticketRepoPG) ListWaiting(ctx context.Context, since time.Time, limit, offset int) ([]*Ticket, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reception_ticket
		WHERE status = 'waiting' AND arrived_at >= $1`, since).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+ticketCols+`
		FROM reception_ticket t JOIN patient p ON p.id = t.patient_id
		WHERE t.status = 'waiting' AND t.arrived_at >= $1
		ORDER BY t.arrived_at, t.id LIMIT $2 OFFSET $3`, since, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Ticket
	for rows.Next() {
		t, err := r.scanTicket(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *ticketRepoPG) Close(ctx context.Context, id uuid.UUID, status TicketStatus) (*Ticket, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reception_ticket SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'waiting'`, id, string(status))
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrTicketClosed, id)
	}
	return r.GetByID(ctx, id)
}
