package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"turnos/queue-service/internal/models"
	"turnos/queue-service/internal/store"
)

type Handler struct {
	store store.TicketStore
}

func NewHandler(store store.TicketStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleCreateTicket)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/board", h.handleBoard)
	mux.HandleFunc("/api/procedures", h.handleProcedures)
	mux.HandleFunc("/api/windows", h.handleWindows)
	return mux
}

type createTicketRequest struct {
	Name            string `json:"name"`
	ProcedurePrefix string `json:"procedure_prefix"`
}

type callNextRequest struct {
	Window   string `json:"window"`
	Operator string `json:"operator"`
}

type finalizeRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ProcedurePrefix = strings.TrimSpace(req.ProcedurePrefix)

	if req.ProcedurePrefix == "" {
		writeError(w, http.StatusBadRequest, "procedure_prefix is required")
		return
	}
	if len(req.ProcedurePrefix) > 10 {
		writeError(w, http.StatusBadRequest, "procedure_prefix is too long")
		return
	}
	if len(req.Name) > 150 {
		writeError(w, http.StatusBadRequest, "name is too long")
		return
	}

	ticket, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		ProcedurePrefix: req.ProcedurePrefix,
		CitizenName:     req.Name,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"ticket": map[string]string{
			"code": ticket.Code,
			"name": ticket.CitizenName,
		},
	})
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Window = strings.TrimSpace(req.Window)
	req.Operator = strings.TrimSpace(req.Operator)
	if req.Window == "" {
		writeError(w, http.StatusBadRequest, "window is required")
		return
	}

	ticket, err := h.store.CallNext(r.Context(), store.CallNextInput{
		WindowLabel: req.Window,
		Operator:    req.Operator,
		CalledAt:    time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNoTicketWaiting) {
			// Empty queue is an expected outcome, not a failure status;
			// a 409 is reserved for lost claim races.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success": false,
				"message": "no tickets waiting",
			})
			return
		}
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"ticket":  ticket,
	})
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	board, err := h.store.ActiveBoard(r.Context())
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"calling":       board.Calling,
		"in_attendance": board.InAttendance,
		"upcoming":      board.Upcoming,
	})
}

func (h *Handler) handleProcedures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	procedures, err := h.store.ListProcedureTypes(r.Context())
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"procedures": procedures,
	})
}

func (h *Handler) handleWindows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	windows, err := h.store.ListWindows(r.Context())
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"windows": windows,
	})
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || ticketID <= 0 {
		writeError(w, http.StatusBadRequest, "ticket id must be a positive integer")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleGetTicket(w, r, ticketID)
		return
	}

	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[2] {
	case "recall":
		h.handleRecall(w, r, ticketID)
	case "start":
		h.handleStartAttendance(w, r, ticketID)
	case "finalize":
		h.handleFinalize(w, r, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID int64) {
	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"ticket":  ticket,
	})
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request, ticketID int64) {
	ticket, err := h.store.RecallTicket(r.Context(), store.TicketActionInput{
		TicketID:   ticketID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"call_count": ticket.CallCount,
	})
}

func (h *Handler) handleStartAttendance(w http.ResponseWriter, r *http.Request, ticketID int64) {
	_, err := h.store.StartAttendance(r.Context(), store.TicketActionInput{
		TicketID:   ticketID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request, ticketID int64) {
	var req finalizeRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.Outcome = strings.ToLower(strings.TrimSpace(req.Outcome))
	if req.Outcome == "" {
		writeError(w, http.StatusBadRequest, "outcome is required")
		return
	}
	if !store.ValidOutcome(req.Outcome) {
		writeError(w, http.StatusBadRequest, "outcome must be finished or no_show")
		return
	}

	_, err := h.store.FinalizeTicket(r.Context(), store.FinalizeInput{
		TicketID:   ticketID,
		Outcome:    req.Outcome,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, msg := mapError(err)
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrProcedureNotFound):
		return http.StatusNotFound, "procedure not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "ticket state does not allow this action"
	case errors.Is(err, store.ErrInvalidOutcome):
		return http.StatusBadRequest, "outcome must be " + models.StateFinished + " or " + models.StateNoShow
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "concurrent update, retry"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
