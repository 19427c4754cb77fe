package triage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/triage/internal/platform/db"
)

// =========== Queue Repository ===========

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository { return &queueRepoPG{pool: pool} }

func (r *queueRepoPG) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const entryCols = `q.id, q.patient_id, p.name, q.acuity, q.enqueued_at, q.status,
	q.triage_record_id, q.clinician_id, q.started_at, q.finished_at`

const triageCols = `id, patient_id, officer_id, acuity, triaged_at,
	blood_pressure, temperature, glucose, weight, oxygen_saturation, symptoms, created_at`

func scanEntry(row pgx.Row) (*WaitEntry, error) {
	var e WaitEntry
	var acuity int
	var status string
	err := row.Scan(&e.ID, &e.PatientID, &e.PatientName, &acuity, &e.EnqueuedAt, &status,
		&e.TriageRecordID, &e.ClinicianID, &e.StartedAt, &e.FinishedAt)
	if err != nil {
		return nil, err
	}
	level, err := AcuityFromRank(acuity)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	st, ok := ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("entry %s: unknown status %q", e.ID, status)
	}
	e.Acuity = level
	e.Status = st
	return &e, nil
}

func scanTriage(row pgx.Row) (*TriageRecord, error) {
	var t TriageRecord
	var acuity int
	err := row.Scan(&t.ID, &t.PatientID, &t.OfficerID, &acuity, &t.TriagedAt,
		&t.BloodPressure, &t.Temperature, &t.Glucose, &t.Weight, &t.OxygenSaturation, &t.Symptoms, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	level, err := AcuityFromRank(acuity)
	if err != nil {
		return nil, fmt.Errorf("triage record %s: %w", t.ID, err)
	}
	t.Acuity = level
	return &t, nil
}

func (r *queueRepoPG) RecordEnqueue(ctx context.Context, e *WaitEntry, rec *TriageRecord, ticketID *uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.writeTriage(ctx, e.PatientID, rec, ticketID); err != nil {
			return err
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO queue_entry (id, patient_id, acuity, enqueued_at, status, triage_record_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.PatientID, e.Acuity.Rank(), e.EnqueuedAt, string(StatusWaiting), e.TriageRecordID)
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: patient %s", ErrDuplicateEntry, e.PatientID)
		}
		return err
	})
}

func (r *queueRepoPG) RecordReactivation(ctx context.Context, e *WaitEntry, rec *TriageRecord, ticketID *uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.writeTriage(ctx, e.PatientID, rec, ticketID); err != nil {
			return err
		}
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE queue_entry SET acuity=$2, enqueued_at=$3, status=$4,
				triage_record_id=COALESCE($5, triage_record_id), updated_at=NOW()
			WHERE id = $1 AND status = $4`,
			e.ID, e.Acuity.Rank(), e.EnqueuedAt, string(StatusWaiting), e.TriageRecordID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, e.ID)
		}
		return nil
	})
}

// writeTriage inserts the triage record and closes the reception ticket.
// Both are optional. The ticket must be waiting and belong to patientID.
func (r *queueRepoPG) writeTriage(ctx context.Context, patientID uuid.UUID, rec *TriageRecord, ticketID *uuid.UUID) error {
	if rec != nil {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO triage_record (id, patient_id, officer_id, acuity, triaged_at,
				blood_pressure, temperature, glucose, weight, oxygen_saturation, symptoms)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			rec.ID, rec.PatientID, rec.OfficerID, rec.Acuity.Rank(), rec.TriagedAt,
			rec.BloodPressure, rec.Temperature, rec.Glucose, rec.Weight, rec.OxygenSaturation, rec.Symptoms)
		if err != nil {
			return fmt.Errorf("insert triage record: %w", err)
		}
	}
	if ticketID != nil {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE reception_ticket SET status='triaged', updated_at=NOW()
			WHERE id = $1 AND patient_id = $2 AND status = 'waiting'`, *ticketID, patientID)
		if err != nil {
			return fmt.Errorf("close reception ticket: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s for patient %s", ErrTicketNotOpen, *ticketID, patientID)
		}
	}
	return nil
}

func (r *queueRepoPG) UpdateStatus(ctx context.Context, e *WaitEntry) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_entry SET status=$2, clinician_id=$3, started_at=$4, finished_at=$5, updated_at=NOW()
		WHERE id = $1 AND status IN ('waiting', 'in_consultation')`,
		e.ID, string(e.Status), e.ClinicianID, e.StartedAt, e.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, e.ID)
	}
	return nil
}

func (r *queueRepoPG) ListActive(ctx context.Context) ([]*WaitEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+`
		FROM queue_entry q JOIN patient p ON p.id = q.patient_id
		WHERE q.status IN ('waiting', 'in_consultation')
		ORDER BY q.enqueued_at, q.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*WaitEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *queueRepoPG) GetTriageRecord(ctx context.Context, id uuid.UUID) (*TriageRecord, error) {
	t, err := scanTriage(r.conn(ctx).QueryRow(ctx, `SELECT `+triageCols+` FROM triage_record WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTriageNotFound, id)
	}
	return t, err
}

// =========== Patient Directory ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientDirectory { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM patient WHERE id = $1`, id).Scan(&p.ID, &p.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
