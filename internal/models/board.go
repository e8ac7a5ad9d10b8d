package models

// BoardEntry is the display-facing view of a ticket. Upcoming entries
// expose only the code and citizen name.
type BoardEntry struct {
	Code        string `json:"code"`
	CitizenName string `json:"name,omitempty"`
	Window      string `json:"window,omitempty"`
	CallCount   int    `json:"call_count,omitempty"`
}

type Board struct {
	Calling      []BoardEntry `json:"calling"`
	InAttendance []BoardEntry `json:"in_attendance"`
	Upcoming     []BoardEntry `json:"upcoming"`
}
