package models

type ProcedureType struct {
	ProcedureID int64  `json:"procedure_id"`
	Name        string `json:"name"`
	Prefix      string `json:"prefix"`
	Priority    int    `json:"priority"`
	Active      bool   `json:"active"`
}

type Window struct {
	WindowID  int64  `json:"window_id"`
	Name      string `json:"name"`
	ShortCode string `json:"short_code"`
	Active    bool   `json:"active"`
}
