package invocation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/farmdispatch/internal/batch"
	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

// State is an invocation's lifecycle position.
type State string

const (
	StateLaunching State = "launching"
	StateRunning   State = "running"
	StateDraining  State = "draining"
	StateClosed    State = "closed"
)

// Sink receives the items of each completed batch.
type Sink interface {
	Post(items []*queue.Item)
}

// Invocation supervises one running build over a fixed set of batches.
type Invocation struct {
	ID         string
	Generation int
	Script     string
	ScriptTime time.Time
	StartedAt  time.Time

	batches   []*batch.Batch
	completed int
	proc      Process
	state     State
	exitCode  int
	err       error

	codec  transfer.Codec
	sink   Sink
	logger *slog.Logger
}

func (inv *Invocation) State() State { return inv.state }
func (inv *Invocation) Batches() []*batch.Batch { return inv.batches }
func (inv *Invocation) Completed() int { return inv.completed }

// Items is the number of items across all batches.
func (inv *Invocation) Items() int {
	n := 0
	for _, b := range inv.batches {
		n += b.Len()
	}
	return n
}

// Poll reads back every batch whose output has become ready and posts its
// items to the sink. It returns how many batches completed in this call.
func (inv *Invocation) Poll() int {
	if inv.err != nil {
		return 0
	}
	n := 0
	for _, b := range inv.batches {
		if b.Completed() {
			continue
		}
		if !transfer.OutputReady(b.Paths().Output, inv.ScriptTime) {
			continue
		}
		if err := inv.readResults(b); err != nil {
			inv.err = err
			return n
		}
		b.MarkCompleted()
		inv.completed++
		n++
		inv.sink.Post(b.Items())
		inv.logger.Debug("batch completed",
			"sequence", b.Sequence(),
			"items", b.Len(),
			"completed", inv.completed,
			"total", len(inv.batches),
		)
	}
	return n
}

func (inv *Invocation) readResults(b *batch.Batch) error {
	f, err := os.Open(b.Paths().Output)
	if err != nil {
		return fmt.Errorf("open output %s: %w", b.Paths().Output, err)
	}
	defer f.Close()
	if err := inv.codec.ReadResults(f, b.Items()); err != nil {
		return fmt.Errorf("read output %s: %w", b.Paths().Output, err)
	}
	return nil
}

// Done reports whether the build has finished. A running build whose
// batches have all completed is waited on. Once done, any batches still
// outstanding get one last Poll and the exit code is captured.
func (inv *Invocation) Done() bool {
	switch inv.state {
	case StateDraining, StateClosed:
		return true
	case StateRunning:
	default:
		return false
	}

	if inv.err != nil && inv.proc.Running() {
		inv.logger.Error("output read-back failed, stopping build", "error", inv.err)
		if err := inv.proc.Kill(); err != nil {
			inv.logger.Warn("failed to stop build", "error", err)
		}
	} else if inv.proc.Running() && inv.completed < len(inv.batches) {
		return false
	}

	code, err := inv.proc.Wait()
	if inv.completed < len(inv.batches) {
		inv.Poll()
	}
	inv.exitCode = code
	if err != nil && inv.err == nil {
		inv.err = err
	}
	inv.state = StateDraining

	attrs := []any{"exit_code", code, "completed", inv.completed, "total", len(inv.batches)}
	if sp, ok := inv.proc.(interface{ Stderr() string }); ok && code != ExitOK {
		attrs = append(attrs, "stderr", sp.Stderr())
	}
	inv.logger.Info("build finished", attrs...)
	return true
}

// Close reconciles a finished invocation. Completed batches are cleaned up
// and dropped. Incomplete batches keep their input, are relocated into
// (generation, nextSeq()) and returned READY, unless the exit code or a
// read-back failure is fatal, in which case nothing is requeued.
func (inv *Invocation) Close(generation int, nextSeq func() int) (Outcome, error) {
	if inv.state != StateDraining {
		return Outcome{}, fmt.Errorf("close invocation %s in state %s", inv.ID, inv.state)
	}
	inv.state = StateClosed

	out := Outcome{ExitCode: inv.exitCode, Completed: inv.completed}
	fatal, forceLocal := ClassifyExit(inv.exitCode)
	if fatal != nil {
		out.Fatal = fmt.Errorf("invocation %s exited with code %d: %w", inv.ID, inv.exitCode, fatal)
	} else if inv.err != nil {
		out.Fatal = fmt.Errorf("invocation %s: %w", inv.ID, inv.err)
	}
	out.ForceLocal = forceLocal

	var errs []error
	for _, b := range inv.batches {
		if b.Completed() {
			if err := b.Cleanup(false); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if out.Fatal != nil {
			continue
		}
		if err := b.Cleanup(true); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.Relocate(generation, nextSeq()); err != nil {
			errs = append(errs, err)
			continue
		}
		out.Requeued = append(out.Requeued, b)
	}

	switch {
	case out.Fatal != nil:
		inv.logger.Error("invocation failed", "exit_code", inv.exitCode, "error", out.Fatal)
	case len(out.Requeued) > 0:
		inv.logger.Warn("requeueing incomplete batches",
			"exit_code", inv.exitCode,
			"requeued", len(out.Requeued),
			"force_local", forceLocal,
		)
	}
	return out, errors.Join(errs...)
}

// Kill tears the build down. Safe to call in any state.
func (inv *Invocation) Kill() error {
	if inv.state == StateClosed || inv.proc == nil {
		inv.state = StateClosed
		return nil
	}
	inv.state = StateClosed
	if err := inv.proc.Kill(); err != nil {
		return fmt.Errorf("kill invocation %s: %w", inv.ID, err)
	}
	return nil
}
