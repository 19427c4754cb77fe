package triage

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// OverdueMonitor periodically reports waiting entries that breached their
// acuity's wait ceiling.
type OverdueMonitor struct {
	coord    *Coordinator
	interval time.Duration
	logger   zerolog.Logger
}

func NewOverdueMonitor(coord *Coordinator, interval time.Duration, logger zerolog.Logger) *OverdueMonitor {
	return &OverdueMonitor{
		coord:    coord,
		interval: interval,
		logger:   logger.With().Str("component", "overdue-monitor").Logger(),
	}
}

// Start runs the scan loop until ctx is cancelled. A non-positive interval
// disables the monitor.
func (m *OverdueMonitor) Start(ctx context.Context) {
	if m.interval <= 0 {
		m.logger.Info().Msg("overdue monitor disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Scan(ctx)
			}
		}
	}()
}

// Scan performs one pass and returns how many entries were newly reported.
func (m *OverdueMonitor) Scan(ctx context.Context) int {
	entries, now := m.coord.collectOverdue()
	for i := range entries {
		e := &entries[i]
		m.logger.Warn().
			Str("entry_id", e.ID.String()).
			Str("patient_id", e.PatientID.String()).
			Str("color", e.Acuity.Color()).
			Int("waited_minutes", int(e.Waited(now))).
			Int("ceiling_minutes", int(e.Acuity.CeilingMinutes())).
			Msg("patient waiting past acuity ceiling")
		m.coord.publish(ctx, EventOverdue, e, now)
	}
	return len(entries)
}
