package triage

import (
	"errors"
	"testing"
)

// rankRow is a pgx.Row that only fills the acuity column.
type rankRow struct {
	col  int
	rank int
}

func (r rankRow) Scan(dest ...any) error {
	if p, ok := dest[r.col].(*int); ok {
		*p = r.rank
	}
	return nil
}

func TestScanRejectsUnknownAcuity(t *testing.T) {
	if _, err := scanTriage(rankRow{col: 3, rank: 9}); !errors.Is(err, ErrInvalidAcuity) {
		t.Errorf("scanTriage: expected ErrInvalidAcuity, got %v", err)
	}
	if _, err := scanEntry(rankRow{col: 3, rank: 0}); !errors.Is(err, ErrInvalidAcuity) {
		t.Errorf("scanEntry: expected ErrInvalidAcuity, got %v", err)
	}

	rec, err := scanTriage(rankRow{col: 3, rank: 2})
	if err != nil {
		t.Fatalf("scanTriage: %v", err)
	}
	if rec.Acuity != VeryUrgent {
		t.Errorf("expected very urgent, got %s", rec.Acuity)
	}
}
