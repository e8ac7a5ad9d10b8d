package store

import (
	"context"
	"encoding/json"
	"time"

	"turnos/queue-service/internal/models"
)

type CreateTicketInput struct {
	ProcedurePrefix string
	CitizenName     string
	CreatedAt       time.Time
}

type CallNextInput struct {
	WindowLabel string
	Operator    string
	CalledAt    time.Time
}

type TicketActionInput struct {
	TicketID   int64
	OccurredAt time.Time
}

type FinalizeInput struct {
	TicketID   int64
	Outcome    string
	OccurredAt time.Time
}

type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error)
	CallNext(ctx context.Context, input CallNextInput) (models.Ticket, error)
	RecallTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	StartAttendance(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	FinalizeTicket(ctx context.Context, input FinalizeInput) (models.Ticket, error)
	ActiveBoard(ctx context.Context) (models.Board, error)
	ListProcedureTypes(ctx context.Context) ([]models.ProcedureType, error)
	ListWindows(ctx context.Context) ([]models.Window, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
