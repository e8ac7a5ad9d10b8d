package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"turnos/queue-service/internal/models"
	"turnos/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestConcurrentCreationSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedProcedure(t, ctx, pool, "Revalidación", "REV", 1)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan models.Ticket, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{
				ProcedurePrefix: "REV",
				CitizenName:     "Citizen",
				CreatedAt:       time.Now().UTC(),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- ticket
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("create ticket: %v", err)
	}

	var seqs []int
	codes := map[string]bool{}
	for ticket := range results {
		seqs = append(seqs, ticket.SequenceNumber)
		if codes[ticket.Code] {
			t.Fatalf("duplicate code %s", ticket.Code)
		}
		codes[ticket.Code] = true
	}
	sort.Ints(seqs)
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("expected contiguous sequence 1..%d, got %v", n, seqs)
		}
	}
}

func TestDailySequencePerProcedure(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedProcedure(t, ctx, pool, "Revalidación", "REV", 1)
	seedProcedure(t, ctx, pool, "Pasaporte", "PAS", 1)

	want := []struct {
		prefix string
		code   string
	}{
		{"REV", "REV-001"},
		{"REV", "REV-002"},
		{"PAS", "PAS-001"},
	}
	for _, tt := range want {
		ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{
			ProcedurePrefix: tt.prefix,
			CitizenName:     "Citizen",
		})
		if err != nil {
			t.Fatalf("create %s ticket: %v", tt.prefix, err)
		}
		if ticket.Code != tt.code {
			t.Fatalf("expected code %s, got %s", tt.code, ticket.Code)
		}
	}
}

func TestCreateTicketUnknownPrefix(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedInactiveProcedure(t, ctx, pool, "Retirado", "RET")

	_, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "XXX"})
	if !errors.Is(err, store.ErrProcedureNotFound) {
		t.Fatalf("expected ErrProcedureNotFound, got %v", err)
	}

	// Inactive procedures are hidden from ticket creation.
	_, err = st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "RET"})
	if !errors.Is(err, store.ErrProcedureNotFound) {
		t.Fatalf("expected ErrProcedureNotFound for inactive procedure, got %v", err)
	}
}

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedProcedure(t, ctx, pool, "Revalidación", "REV", 1)

	const n = 4
	waiting := map[int64]bool{}
	for i := 0; i < n; i++ {
		ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "REV"})
		if err != nil {
			t.Fatalf("create ticket: %v", err)
		}
		waiting[ticket.ID] = true
	}

	var wg sync.WaitGroup
	results := make(chan models.Ticket, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(window string) {
			defer wg.Done()
			ticket, err := st.CallNext(ctx, store.CallNextInput{WindowLabel: window})
			if err != nil {
				errs <- err
				return
			}
			results <- ticket
		}("Window " + string(rune('A'+i)))
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("call next: %v", err)
	}

	claimed := map[int64]bool{}
	for ticket := range results {
		if claimed[ticket.ID] {
			t.Fatalf("ticket %d claimed twice", ticket.ID)
		}
		claimed[ticket.ID] = true
		if !waiting[ticket.ID] {
			t.Fatalf("claimed unknown ticket %d", ticket.ID)
		}
		if ticket.State != models.StateCalled || ticket.CallCount != 1 {
			t.Fatalf("unexpected claimed ticket: %+v", ticket)
		}
	}
	if len(claimed) != n {
		t.Fatalf("expected %d distinct tickets, got %d", n, len(claimed))
	}

	_, err := st.CallNext(ctx, store.CallNextInput{WindowLabel: "Window E"})
	if !errors.Is(err, store.ErrNoTicketWaiting) {
		t.Fatalf("expected ErrNoTicketWaiting, got %v", err)
	}
}

func TestCallNextFIFOAcrossProcedures(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	// PAS has higher priority but call_next stays strictly FIFO.
	seedProcedure(t, ctx, pool, "Revalidación", "REV", 1)
	seedProcedure(t, ctx, pool, "Pasaporte", "PAS", 9)

	first, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "REV"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if _, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "PAS"}); err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	called, err := st.CallNext(ctx, store.CallNextInput{WindowLabel: "Window 1", Operator: "olivia"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.ID != first.ID {
		t.Fatalf("expected oldest ticket %d, got %d", first.ID, called.ID)
	}
	if called.WindowLabel == nil || *called.WindowLabel != "Window 1" {
		t.Fatalf("expected window label set, got %+v", called.WindowLabel)
	}
	if called.CalledAt == nil {
		t.Fatal("expected called_at set")
	}
}

func TestTicketLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedProcedure(t, ctx, pool, "Revalidación", "REV", 1)

	created, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "REV", CitizenName: "Luis"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	// Operator actions require the right source state.
	if _, err := st.RecallTicket(ctx, store.TicketActionInput{TicketID: created.ID}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition recalling waiting ticket, got %v", err)
	}
	if _, err := st.StartAttendance(ctx, store.TicketActionInput{TicketID: created.ID}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition starting waiting ticket, got %v", err)
	}

	called, err := st.CallNext(ctx, store.CallNextInput{WindowLabel: "Window 1"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.ID != created.ID || called.CallCount != 1 {
		t.Fatalf("unexpected called ticket: %+v", called)
	}

	for i := 0; i < 3; i++ {
		if _, err := st.RecallTicket(ctx, store.TicketActionInput{TicketID: created.ID}); err != nil {
			t.Fatalf("recall %d: %v", i+1, err)
		}
	}
	recalled, err := st.GetTicket(ctx, created.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if recalled.CallCount != 4 || recalled.State != models.StateCalled {
		t.Fatalf("expected call_count 4 in called state, got %+v", recalled)
	}

	started, err := st.StartAttendance(ctx, store.TicketActionInput{TicketID: created.ID})
	if err != nil {
		t.Fatalf("start attendance: %v", err)
	}
	if started.State != models.StateInAttendance || started.AttendanceStartedAt == nil {
		t.Fatalf("unexpected started ticket: %+v", started)
	}

	if _, err := st.FinalizeTicket(ctx, store.FinalizeInput{TicketID: created.ID, Outcome: "abandoned"}); !errors.Is(err, store.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}

	finalized, err := st.FinalizeTicket(ctx, store.FinalizeInput{TicketID: created.ID, Outcome: models.StateNoShow})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.State != models.StateNoShow || finalized.AttendanceEndedAt == nil {
		t.Fatalf("unexpected finalized ticket: %+v", finalized)
	}

	// Terminal tickets reject every further action.
	if _, err := st.FinalizeTicket(ctx, store.FinalizeInput{TicketID: created.ID, Outcome: models.StateFinished}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on finalized ticket, got %v", err)
	}
	if _, err := st.RecallTicket(ctx, store.TicketActionInput{TicketID: created.ID}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on finalized ticket, got %v", err)
	}

	if _, err := st.RecallTicket(ctx, store.TicketActionInput{TicketID: created.ID + 1000}); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestActiveBoardProjection(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedProcedure(t, ctx, pool, "Revalidación", "REV", 1)

	ticketA, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "REV", CitizenName: "Ana"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	ticketB, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "REV", CitizenName: "Bruno"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "REV"}); err != nil {
			t.Fatalf("create ticket: %v", err)
		}
	}

	// A gets called, B goes all the way to attendance.
	if _, err := st.CallNext(ctx, store.CallNextInput{WindowLabel: "Window 1"}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := st.CallNext(ctx, store.CallNextInput{WindowLabel: "Window 2"}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := st.StartAttendance(ctx, store.TicketActionInput{TicketID: ticketB.ID}); err != nil {
		t.Fatalf("start attendance: %v", err)
	}

	board, err := st.ActiveBoard(ctx)
	if err != nil {
		t.Fatalf("active board: %v", err)
	}

	if len(board.Calling) != 1 || board.Calling[0].Code != ticketA.Code {
		t.Fatalf("expected only %s calling, got %+v", ticketA.Code, board.Calling)
	}
	if len(board.InAttendance) != 1 || board.InAttendance[0].Code != ticketB.Code {
		t.Fatalf("expected only %s in attendance, got %+v", ticketB.Code, board.InAttendance)
	}
	if len(board.Upcoming) != 5 {
		t.Fatalf("expected 5 upcoming tickets, got %d", len(board.Upcoming))
	}
	for _, entry := range board.Upcoming {
		if entry.Code == ticketA.Code || entry.Code == ticketB.Code {
			t.Fatalf("called/attended ticket still upcoming: %+v", entry)
		}
		if entry.Window != "" {
			t.Fatalf("upcoming entry must not carry a window: %+v", entry)
		}
	}
	// Upcoming preserves creation order.
	if board.Upcoming[0].Code != "REV-003" {
		t.Fatalf("expected REV-003 first upcoming, got %s", board.Upcoming[0].Code)
	}
}

func TestOutboxEvents(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedProcedure(t, ctx, pool, "Revalidación", "REV", 1)

	ticket, err := st.CreateTicket(ctx, store.CreateTicketInput{ProcedurePrefix: "REV"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if _, err := st.CallNext(ctx, store.CallNextInput{WindowLabel: "Window 1"}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := st.RecallTicket(ctx, store.TicketActionInput{TicketID: ticket.ID}); err != nil {
		t.Fatalf("recall: %v", err)
	}

	events, err := st.ListOutboxEvents(ctx, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{"ticket.created", "ticket.called", "ticket.recalled"}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestListCatalog(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	seedProcedure(t, ctx, pool, "Revalidación", "REV", 2)
	seedInactiveProcedure(t, ctx, pool, "Retirado", "RET")
	if _, err := pool.Exec(ctx, `
		INSERT INTO windows (name, short_code, active) VALUES ('Ventanilla 1', 'V-01', TRUE), ('Ventanilla 9', 'V-09', FALSE)
	`); err != nil {
		t.Fatalf("insert windows: %v", err)
	}

	procedures, err := st.ListProcedureTypes(ctx)
	if err != nil {
		t.Fatalf("list procedures: %v", err)
	}
	if len(procedures) != 1 || procedures[0].Prefix != "REV" {
		t.Fatalf("expected only active REV procedure, got %+v", procedures)
	}

	windows, err := st.ListWindows(ctx)
	if err != nil {
		t.Fatalf("list windows: %v", err)
	}
	if len(windows) != 1 || windows[0].ShortCode != "V-01" {
		t.Fatalf("expected only active window, got %+v", windows)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool, Options{UpcomingLimit: 5})
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedProcedure(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name, prefix string, priority int) int64 {
	t.Helper()
	var id int64
	row := pool.QueryRow(ctx, `
		INSERT INTO procedures (name, prefix, priority, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING procedure_id
	`, name, prefix, priority)
	if err := row.Scan(&id); err != nil {
		t.Fatalf("insert procedure %s: %v", prefix, err)
	}
	return id
}

func seedInactiveProcedure(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name, prefix string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `
		INSERT INTO procedures (name, prefix, priority, active)
		VALUES ($1, $2, 1, FALSE)
	`, name, prefix); err != nil {
		t.Fatalf("insert inactive procedure %s: %v", prefix, err)
	}
}
