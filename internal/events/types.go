package events

// Event types published by the dispatcher.
const (
	BatchSealed        = "batch.sealed"
	BatchRequeued      = "batch.requeued"
	InvocationLaunched = "invocation.launched"
	InvocationClosed   = "invocation.closed"
	DispatcherFailed   = "dispatcher.failed"
	LocalOnlyChanged   = "dispatcher.local_only"
)

// Payload is the body of one event. Its EventType names the event it is
// published as.
type Payload interface {
	EventType() string
}

// BatchPayload describes a batch that sealed or, with Requeued set, went
// back for another invocation.
type BatchPayload struct {
	Generation int  `json:"generation"`
	Sequence   int  `json:"sequence"`
	Items      int  `json:"items"`
	Requeued   bool `json:"requeued,omitempty"`
}

func (p BatchPayload) EventType() string {
	if p.Requeued {
		return BatchRequeued
	}
	return BatchSealed
}

type LaunchPayload struct {
	InvocationID string `json:"invocation_id"`
	Generation   int    `json:"generation"`
	Descriptor   string `json:"descriptor"`
	Batches      int    `json:"batches"`
	Items        int    `json:"items"`
	LocalOnly    bool   `json:"local_only"`
}

func (LaunchPayload) EventType() string { return InvocationLaunched }

type ClosePayload struct {
	InvocationID string `json:"invocation_id"`
	ExitCode     int    `json:"exit_code"`
	Completed    int    `json:"completed"`
	Requeued     int    `json:"requeued"`
	ForceLocal   bool   `json:"force_local"`
	Error        string `json:"error,omitempty"`
}

func (ClosePayload) EventType() string { return InvocationClosed }

type LocalOnlyPayload struct {
	LocalOnly bool   `json:"local_only"`
	Reason    string `json:"reason"`
}

func (LocalOnlyPayload) EventType() string { return LocalOnlyChanged }

// FailurePayload carries the error that stopped the dispatcher.
type FailurePayload struct {
	Error string `json:"error"`
}

func (FailurePayload) EventType() string { return DispatcherFailed }
