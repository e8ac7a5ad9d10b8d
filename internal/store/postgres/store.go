package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"turnos/queue-service/internal/models"
	"turnos/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool          *pgxpool.Pool
	upcomingLimit int
}

type Options struct {
	UpcomingLimit int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	limit := options.UpcomingLimit
	if limit <= 0 {
		limit = 5
	}
	return &Store{
		pool:          pool,
		upcomingLimit: limit,
	}
}

const ticketColumns = `
	t.id, t.ticket_date, t.seq_number, t.code, p.prefix, t.state,
	t.window_label, t.operator, t.citizen_name, t.call_count,
	t.created_at, t.called_at, t.attendance_started_at, t.attendance_ended_at
`

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var procedureID int64
	var prefix string
	row := tx.QueryRow(ctx, `
		SELECT procedure_id, prefix
		FROM procedures
		WHERE prefix = $1 AND active = TRUE
	`, input.ProcedurePrefix)
	if err = row.Scan(&procedureID, &prefix); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrProcedureNotFound
		}
		return models.Ticket{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	// The upsert row-locks the (date, procedure) counter, so concurrent
	// creations for the same scope serialize here while other scopes
	// proceed in parallel.
	seq, err := nextSequenceNumber(ctx, tx, createdAt, procedureID)
	if err != nil {
		return models.Ticket{}, pgError(err)
	}
	code := store.FormatTicketCode(prefix, seq)

	var ticket models.Ticket
	row = tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_date, seq_number, code, procedure_id, state,
			citizen_name, call_count, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		RETURNING id, ticket_date, created_at
	`, createdAt, seq, code, procedureID, models.StateWaiting, input.CitizenName, createdAt)
	if err = row.Scan(&ticket.ID, &ticket.Date, &ticket.CreatedAt); err != nil {
		return models.Ticket{}, pgError(err)
	}
	ticket.SequenceNumber = seq
	ticket.Code = code
	ticket.ProcedurePrefix = prefix
	ticket.State = models.StateWaiting
	ticket.CitizenName = input.CitizenName

	if err = insertOutboxEvent(ctx, tx, "ticket.created", ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, pgError(err)
	}

	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		JOIN procedures p ON p.procedure_id = t.procedure_id
		WHERE t.id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	// Claim exactly one waiting ticket, oldest first across all procedure
	// types. SKIP LOCKED keeps two racing operators from selecting the
	// same row.
	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT id
			FROM tickets
			WHERE state = 'waiting'
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets t
		SET state = 'called',
			window_label = $1,
			operator = NULLIF($2, ''),
			call_count = 1,
			called_at = $3
		FROM next_ticket, procedures p
		WHERE t.id = next_ticket.id AND p.procedure_id = t.procedure_id
		RETURNING `+ticketColumns+`
	`, input.WindowLabel, input.Operator, calledAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoTicketWaiting
			return models.Ticket{}, err
		}
		return models.Ticket{}, pgError(err)
	}

	if err = insertOutboxEvent(ctx, tx, "ticket.called", ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, pgError(err)
	}

	return ticket, nil
}

func (s *Store) RecallTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyAction(ctx, "recall", "ticket.recalled", input.TicketID, `
		UPDATE tickets t
		SET call_count = t.call_count + 1,
			called_at = $2
		FROM procedures p
		WHERE t.id = $1 AND t.state = 'called' AND p.procedure_id = t.procedure_id
		RETURNING `+ticketColumns+`
	`, input.OccurredAt)
}

func (s *Store) StartAttendance(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.applyAction(ctx, "start_attendance", "ticket.attendance_started", input.TicketID, `
		UPDATE tickets t
		SET state = 'in_attendance',
			attendance_started_at = $2
		FROM procedures p
		WHERE t.id = $1 AND t.state = 'called' AND p.procedure_id = t.procedure_id
		RETURNING `+ticketColumns+`
	`, input.OccurredAt)
}

func (s *Store) FinalizeTicket(ctx context.Context, input store.FinalizeInput) (models.Ticket, error) {
	if !store.ValidOutcome(input.Outcome) {
		return models.Ticket{}, store.ErrInvalidOutcome
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	endedAt := input.OccurredAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets t
		SET state = $2,
			attendance_ended_at = $3
		FROM procedures p
		WHERE t.id = $1 AND t.state = 'in_attendance' AND p.procedure_id = t.procedure_id
		RETURNING `+ticketColumns+`
	`, input.TicketID, input.Outcome, endedAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyNoRows(ctx, tx, "finalize", input.TicketID)
			return models.Ticket{}, err
		}
		return models.Ticket{}, pgError(err)
	}

	if err = insertOutboxEvent(ctx, tx, "ticket.finalized", ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, pgError(err)
	}

	return ticket, nil
}

func (s *Store) applyAction(ctx context.Context, action, eventType string, ticketID int64, query string, occurredAt time.Time) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, query, ticketID, occurredAt)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyNoRows(ctx, tx, action, ticketID)
			return models.Ticket{}, err
		}
		return models.Ticket{}, pgError(err)
	}

	if err = insertOutboxEvent(ctx, tx, eventType, ticket); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, pgError(err)
	}

	return ticket, nil
}

func (s *Store) ActiveBoard(ctx context.Context) (models.Board, error) {
	board := models.Board{
		Calling:      []models.BoardEntry{},
		InAttendance: []models.BoardEntry{},
		Upcoming:     []models.BoardEntry{},
	}

	calling, err := s.boardEntries(ctx, `
		SELECT code, citizen_name, COALESCE(window_label, ''), call_count
		FROM tickets
		WHERE state = 'called'
		ORDER BY called_at DESC
	`)
	if err != nil {
		return models.Board{}, err
	}
	board.Calling = calling

	inAttendance, err := s.boardEntries(ctx, `
		SELECT code, citizen_name, COALESCE(window_label, ''), call_count
		FROM tickets
		WHERE state = 'in_attendance'
		ORDER BY attendance_started_at DESC
	`)
	if err != nil {
		return models.Board{}, err
	}
	board.InAttendance = inAttendance

	// Upcoming tickets show only code and name on the display.
	rows, err := s.pool.Query(ctx, `
		SELECT code, citizen_name
		FROM tickets
		WHERE state = 'waiting'
		ORDER BY id ASC
		LIMIT $1
	`, s.upcomingLimit)
	if err != nil {
		return models.Board{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry models.BoardEntry
		if err := rows.Scan(&entry.Code, &entry.CitizenName); err != nil {
			return models.Board{}, err
		}
		board.Upcoming = append(board.Upcoming, entry)
	}
	if err := rows.Err(); err != nil {
		return models.Board{}, err
	}

	return board, nil
}

func (s *Store) boardEntries(ctx context.Context, query string) ([]models.BoardEntry, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.BoardEntry{}
	for rows.Next() {
		var entry models.BoardEntry
		if err := rows.Scan(&entry.Code, &entry.CitizenName, &entry.Window, &entry.CallCount); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListProcedureTypes(ctx context.Context) ([]models.ProcedureType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT procedure_id, name, prefix, priority, active
		FROM procedures
		WHERE active = TRUE
		ORDER BY priority DESC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procedures []models.ProcedureType
	for rows.Next() {
		var procedure models.ProcedureType
		if err := rows.Scan(&procedure.ProcedureID, &procedure.Name, &procedure.Prefix, &procedure.Priority, &procedure.Active); err != nil {
			return nil, err
		}
		procedures = append(procedures, procedure)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return procedures, nil
}

func (s *Store) ListWindows(ctx context.Context) ([]models.Window, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT window_id, name, short_code, active
		FROM windows
		WHERE active = TRUE
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []models.Window
	for rows.Next() {
		var window models.Window
		if err := rows.Scan(&window.WindowID, &window.Name, &window.ShortCode, &window.Active); err != nil {
			return nil, err
		}
		windows = append(windows, window)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return windows, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
	`
	args := []interface{}{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// classifyNoRows distinguishes a missing ticket from one whose state does
// not allow the action. Runs inside the action's transaction.
func classifyNoRows(ctx context.Context, tx pgx.Tx, action string, ticketID int64) error {
	var state string
	row := tx.QueryRow(ctx, `
		SELECT state
		FROM tickets
		WHERE id = $1
	`, ticketID)
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	if !store.ValidTransition(action, state) {
		return store.ErrInvalidTransition
	}
	// Row existed in a valid state but the conditional update missed it:
	// another writer changed it between our statements.
	return store.ErrConflict
}

func nextSequenceNumber(ctx context.Context, tx pgx.Tx, date time.Time, procedureID int64) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (seq_date, procedure_id, next_number)
		VALUES ($1::date, $2, 1)
		ON CONFLICT (seq_date, procedure_id)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, date, procedureID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	payload := map[string]interface{}{
		"ticket_id":  ticket.ID,
		"code":       ticket.Code,
		"name":       ticket.CitizenName,
		"state":      ticket.State,
		"window":     ticket.WindowLabel,
		"call_count": ticket.CallCount,
		"called_at":  ticket.CalledAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var windowNull sql.NullString
	var operatorNull sql.NullString
	var calledAtNull sql.NullTime
	var startedAtNull sql.NullTime
	var endedAtNull sql.NullTime
	if err := row.Scan(
		&ticket.ID, &ticket.Date, &ticket.SequenceNumber, &ticket.Code,
		&ticket.ProcedurePrefix, &ticket.State, &windowNull, &operatorNull,
		&ticket.CitizenName, &ticket.CallCount, &ticket.CreatedAt,
		&calledAtNull, &startedAtNull, &endedAtNull,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.WindowLabel = nullStringPtr(windowNull)
	ticket.Operator = nullStringPtr(operatorNull)
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.AttendanceStartedAt = nullTimePtr(startedAtNull)
	ticket.AttendanceEndedAt = nullTimePtr(endedAtNull)
	return ticket, nil
}

// pgError folds lock and uniqueness races into ErrConflict so callers can
// retry instead of treating them as internal failures.
func pgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return store.ErrConflict
		}
	}
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
