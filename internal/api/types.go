package api

import (
	"time"

	"github.com/mattjoyce/farmdispatch/internal/journal"
)

// SubmitItem is one item in a POST /items body. Payload is base64 in JSON.
type SubmitItem struct {
	ID      string `json:"id,omitempty"`
	Group   string `json:"group"`
	Payload []byte `json:"payload,omitempty"`
}

// SubmitRequest is the JSON body for POST /items.
type SubmitRequest struct {
	Items []SubmitItem `json:"items"`
}

// SubmitResponse is returned once items are queued.
type SubmitResponse struct {
	IDs         []string `json:"ids"`
	Outstanding int64    `json:"outstanding"`
}

// ResultItem is a finished item.
type ResultItem struct {
	ID        string `json:"id"`
	Succeeded bool   `json:"succeeded"`
	Output    []byte `json:"output,omitempty"`
}

// ResultsResponse is returned by GET /results/{group}.
type ResultsResponse struct {
	Group        string       `json:"group"`
	AllSucceeded bool         `json:"all_succeeded"`
	Items        []ResultItem `json:"items"`
}

// InvocationResponse is one row of GET /invocations.
type InvocationResponse struct {
	ID         string     `json:"id"`
	Generation int        `json:"generation"`
	Descriptor string     `json:"descriptor"`
	Batches    int        `json:"batches"`
	Items      int        `json:"items"`
	LocalOnly  bool       `json:"local_only"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Completed  int        `json:"completed"`
	Requeued   int        `json:"requeued"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func invocationResponse(e journal.Entry) InvocationResponse {
	return InvocationResponse{
		ID:         e.ID,
		Generation: e.Generation,
		Descriptor: e.Descriptor,
		Batches:    e.Batches,
		Items:      e.Items,
		LocalOnly:  e.LocalOnly,
		Status:     e.Status,
		ExitCode:   e.ExitCode,
		Completed:  e.Completed,
		Requeued:   e.Requeued,
		LastError:  e.LastError,
		StartedAt:  e.StartedAt,
		FinishedAt: e.FinishedAt,
	}
}

// BatchResponse is one row of GET /invocations/{id}/batches.
type BatchResponse struct {
	Generation int    `json:"generation"`
	Sequence   int    `json:"sequence"`
	Items      int    `json:"items"`
	Outcome    string `json:"outcome"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Outstanding   int64  `json:"outstanding"`
	LocalOnly     bool   `json:"local_only"`
	LastError     string `json:"last_error,omitempty"`
}
