package store

import "errors"

var (
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrInvalidOutcome    = errors.New("invalid finalize outcome")
	ErrNoTicketWaiting   = errors.New("no tickets waiting")
	ErrConflict          = errors.New("concurrent update conflict")
)
