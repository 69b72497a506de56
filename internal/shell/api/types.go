package api

import "time"

// =============================================================================
// Response Types
// =============================================================================

// RecordResponse is one key/address pair of the config store.
type RecordResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RecordsResponse lists config records sorted by key.
type RecordsResponse struct {
	Records []RecordResponse `json:"records"`
	Total   int              `json:"total"`
}

// RunResponse is a journaled pipeline run.
type RunResponse struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Environment string     `json:"environment"`
	From        string     `json:"from,omitempty"`
	Status      string     `json:"status"`
	HaltedAt    string     `json:"halted_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// RunDetailResponse is a run with its step outcomes in execution order.
type RunDetailResponse struct {
	RunResponse
	Steps []StepResponse `json:"steps"`
}

// RunsResponse lists runs, newest first.
type RunsResponse struct {
	Runs   []RunResponse `json:"runs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// StepResponse is the journaled outcome of one step.
type StepResponse struct {
	Position   int              `json:"position"`
	Step       string           `json:"step"`
	Unit       string           `json:"unit"`
	Status     string           `json:"status"`
	Key        string           `json:"key,omitempty"`
	Address    string           `json:"address,omitempty"`
	Wiring     []WiringResponse `json:"wiring"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// WiringResponse is the outcome of one wiring action.
type WiringResponse struct {
	Operation string `json:"operation"`
	Target    string `json:"target"`
	Policy    string `json:"policy"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}
