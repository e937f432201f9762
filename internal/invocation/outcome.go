package invocation

import (
	"errors"

	"github.com/mattjoyce/farmdispatch/internal/batch"
)

var (
	// ErrWorkerCrashed means one or more remote workers exited
	// unexpectedly (build tool exit code 1).
	ErrWorkerCrashed = errors.New("build worker crashed")
	// ErrInfrastructure means the build tool reported a fatal
	// infrastructure failure (exit code 2).
	ErrInfrastructure = errors.New("build infrastructure failure")
)

// Exit codes reported by the build tool.
const (
	ExitOK             = 0
	ExitWorkerCrashed  = 1
	ExitInfrastructure = 2
	ExitCancelled      = 3
)

// ClassifyExit maps a build tool exit code to a fatal error, if any, and
// whether later invocations must run local-only. Every non-fatal code
// leaves incomplete batches to be requeued.
func ClassifyExit(code int) (fatal error, forceLocal bool) {
	switch code {
	case ExitOK, ExitCancelled:
		return nil, false
	case ExitWorkerCrashed:
		return ErrWorkerCrashed, false
	case ExitInfrastructure:
		return ErrInfrastructure, false
	default:
		return nil, true
	}
}

// Outcome summarizes a closed invocation.
type Outcome struct {
	ExitCode  int
	Completed int
	// Requeued batches were relocated into the current generation and are
	// READY again.
	Requeued   []*batch.Batch
	ForceLocal bool
	// Fatal is set when the dispatcher must stop. Nothing is requeued.
	Fatal error
}

// Requeue reports whether any batch went back to READY.
func (o Outcome) Requeue() bool { return len(o.Requeued) > 0 }
