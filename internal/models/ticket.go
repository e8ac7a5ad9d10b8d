package models

import "time"

type Ticket struct {
	ID                  int64      `json:"id"`
	Date                time.Time  `json:"date"`
	SequenceNumber      int        `json:"sequence_number"`
	Code                string     `json:"code"`
	ProcedurePrefix     string     `json:"procedure_prefix"`
	State               string     `json:"state"`
	WindowLabel         *string    `json:"window,omitempty"`
	Operator            *string    `json:"operator,omitempty"`
	CitizenName         string     `json:"name,omitempty"`
	CallCount           int        `json:"call_count"`
	CreatedAt           time.Time  `json:"created_at"`
	CalledAt            *time.Time `json:"called_at,omitempty"`
	AttendanceStartedAt *time.Time `json:"attendance_started_at,omitempty"`
	AttendanceEndedAt   *time.Time `json:"attendance_ended_at,omitempty"`
}

const (
	StateWaiting      = "waiting"
	StateCalled       = "called"
	StateInAttendance = "in_attendance"
	StateFinished     = "finished"
	StateNoShow       = "no_show"
)

// Terminal reports whether a ticket in the given state may never be
// mutated again.
func Terminal(state string) bool {
	return state == StateFinished || state == StateNoShow
}
