package triage

import "errors"

var (
	ErrInvalidAcuity = errors.New("invalid acuity level")

	// ErrEntryNotFound is returned for unknown entry ids and for entries that
	// already reached a terminal state.
	ErrEntryNotFound = errors.New("queue entry not found")

	ErrInvalidTransition     = errors.New("invalid queue status transition")
	ErrDuplicateEntry        = errors.New("queue entry already present")
	ErrPatientInConsultation = errors.New("patient is currently in consultation")
	ErrPatientNotFound       = errors.New("patient not found")
	ErrTriageNotFound        = errors.New("triage record not found")
	ErrTicketNotOpen         = errors.New("reception ticket is not open for this patient")
)
