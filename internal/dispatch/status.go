package dispatch

// Status is a point-in-time view of the dispatcher, safe to read from any
// goroutine.
type Status struct {
	Outstanding       int64  `json:"outstanding"`
	Collecting        int    `json:"collecting"`
	CollectingItems   int    `json:"collecting_items"`
	Ready             int    `json:"ready"`
	InFlight          int    `json:"in_flight"`
	InFlightCompleted int    `json:"in_flight_completed"`
	Generation        int    `json:"generation"`
	LocalOnly         bool   `json:"local_only"`
	Failed            bool   `json:"failed"`
	LastError         string `json:"last_error,omitempty"`
	InvocationID      string `json:"invocation_id,omitempty"`
	Invocations       int    `json:"invocations"`
}

// Status returns the snapshot taken at the end of the last tick.
func (d *Dispatcher) Status() Status {
	if s := d.status.Load(); s != nil {
		return *s
	}
	return Status{}
}

func (d *Dispatcher) publishStatus() {
	s := &Status{
		Outstanding:     d.queue.Outstanding(),
		Collecting:      d.pool.Collecting(),
		CollectingItems: d.pool.CollectingItems(),
		Ready:           len(d.ready),
		Generation:      d.generation,
		LocalOnly:       d.localOnly.Load(),
		Failed:          d.failed != nil,
		Invocations:     d.invocations,
	}
	if d.failed != nil {
		s.LastError = d.failed.Error()
	}
	if d.active != nil {
		s.InFlight = len(d.active.Batches())
		s.InFlightCompleted = d.active.Completed()
		s.InvocationID = d.active.ID
	}
	d.status.Store(s)

	d.metrics.SetBacklog(s.CollectingItems, s.Ready)
	d.metrics.SetOutstanding(s.Outstanding)
}
