package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/farmdispatch/internal/batch"
	"github.com/mattjoyce/farmdispatch/internal/config"
	"github.com/mattjoyce/farmdispatch/internal/events"
	"github.com/mattjoyce/farmdispatch/internal/invocation"
	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/log"
	"github.com/mattjoyce/farmdispatch/internal/metrics"
	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
	"github.com/mattjoyce/farmdispatch/internal/workspace"
)

var (
	// ErrUnavailable means the farm cannot be used and the caller must
	// compile locally.
	ErrUnavailable = errors.New("build farm unavailable")
	// ErrFailed wraps the fatal error that stopped the dispatcher.
	ErrFailed = errors.New("dispatcher failed")
)

const (
	defaultPollInterval = 10 * time.Millisecond
	// sweepAge bounds how long stray descriptors survive in a generation
	// directory.
	sweepAge = time.Hour
)

// Dispatcher batches queued items and feeds them to the build tool, one
// invocation at a time.
type Dispatcher struct {
	cfg        config.FarmConfig
	workingDir string // fixed for the dispatcher's lifetime
	queue      *queue.Queue
	pool       *batch.Pool
	ws         *workspace.Manager
	launcher   *invocation.Launcher

	spawner      invocation.Spawner
	codec        transfer.Codec
	fs           transfer.Policy
	journal      Journal
	hub          *events.Hub
	metrics      metrics.Collector
	now          func() time.Time
	pollInterval time.Duration
	logger       *slog.Logger

	// Owned by the loop goroutine.
	ready       []*batch.Batch
	active      *invocation.Invocation
	generation  int
	lastSubmit  time.Time
	invocations int
	failed      error

	localOnly atomic.Bool
	running   atomic.Bool
	pending   chan config.FarmConfig
	status    atomic.Pointer[Status]
}

// New resolves the build executable, prepares the working root and returns
// a dispatcher reading from q. It returns an error wrapping ErrUnavailable
// when the farm is disabled or the executable cannot be found.
func New(ctx context.Context, cfg config.FarmConfig, q *queue.Queue, opts ...Option) (*Dispatcher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: farm disabled", ErrUnavailable)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid farm config: %w", err)
	}
	if q == nil {
		return nil, errors.New("queue is required")
	}

	d := &Dispatcher{
		cfg:          cfg,
		workingDir:   cfg.WorkingDir,
		queue:        q,
		spawner:      invocation.ExecSpawner{},
		codec:        transfer.JSONCodec{},
		fs:           transfer.DefaultPolicy,
		metrics:      metrics.Noop{},
		now:          time.Now,
		pollInterval: defaultPollInterval,
		logger:       log.WithComponent("dispatch"),
		pending:      make(chan config.FarmConfig, 1),
	}
	for _, opt := range opts {
		opt(d)
	}

	exe, err := resolveExecutable(cfg.Executable)
	if err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(cfg.WorkingDir, d.fs)
	if err != nil {
		return nil, err
	}
	if err := ws.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	d.ws = ws

	pool, err := batch.NewPool(batch.PoolConfig{
		Root:      ws.Root(),
		BatchSize: cfg.BatchSize,
		GroupSize: cfg.BatchGroupSize,
		Codec:     d.codec,
		FS:        d.fs,
	})
	if err != nil {
		return nil, err
	}
	d.pool = pool
	d.launcher = invocation.NewLauncher(ws.Root(), d.spawner, d.codec, d.fs, q, launchOptions(cfg, exe))
	d.lastSubmit = d.now()
	d.publishStatus()

	d.logger.Info("dispatcher ready",
		"executable", exe,
		"working_dir", ws.Root(),
		"batch_size", cfg.BatchSize,
		"batch_group_size", cfg.BatchGroupSize,
		"job_timeout", cfg.JobTimeout,
	)
	return d, nil
}

func resolveExecutable(name string) (string, error) {
	exe, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return exe, nil
}

func launchOptions(cfg config.FarmConfig, exe string) invocation.Options {
	return invocation.Options{
		Executable:        exe,
		WorkerExecutable:  cfg.WorkerExecutable,
		WorkerRoot:        cfg.WorkerRoot,
		WorkerArgs:        cfg.WorkerArgs,
		CachePath:         cfg.CachePath,
		DisableRemote:     cfg.DisableRemote,
		ForceRemote:       cfg.ForceRemote,
		DisableCache:      cfg.DisableCache,
		ToolchainDirs:     cfg.ToolchainDirs,
		ModuleDir:         cfg.ModuleDir,
		ModulePrefix:      cfg.ModulePrefix,
		ExcludeExtensions: cfg.ExcludeExtensions,
	}
}

// Tick runs one pass of the loop and reports whether work remains. Once a
// fatal error has occurred every call returns it. ctx scopes this pass
// only; a build launched during it keeps running until it exits or Close
// kills it.
func (d *Dispatcher) Tick(ctx context.Context) (bool, error) {
	if d.failed != nil {
		return false, d.failed
	}
	defer d.publishStatus()

	if err := d.applyPending(); err != nil {
		return false, d.fail(err)
	}

	if d.active != nil {
		d.active.Poll()
		if d.active.Done() {
			if err := d.closeActive(ctx); err != nil {
				return false, d.fail(err)
			}
		}
	} else if d.launchDue() {
		if err := d.launch(ctx); err != nil {
			return false, d.fail(err)
		}
	}

	drained, err := d.drain()
	if err != nil {
		return false, d.fail(err)
	}

	more := d.active != nil || len(d.ready) > 0 || d.pool.CollectingItems() > 0 || drained > 0
	return more, nil
}

func (d *Dispatcher) launchDue() bool {
	if len(d.ready) == 0 && d.pool.CollectingItems() == 0 {
		return false
	}
	return d.now().Sub(d.lastSubmit) >= d.cfg.JobTimeout
}

func (d *Dispatcher) launch(ctx context.Context) error {
	flushed, err := d.pool.FlushAll()
	for _, b := range flushed {
		d.sealed(b)
	}
	// Partial batches go first, then the full ones.
	d.ready = append(flushed, d.ready...)
	if err != nil {
		return fmt.Errorf("flush batches: %w", err)
	}

	localOnly := d.localOnly.Load()
	inv, err := d.launcher.Launch(ctx, d.generation, d.ready, localOnly)
	if err != nil {
		return fmt.Errorf("launch: %w", err)
	}
	d.ready = nil
	d.active = inv
	d.invocations++

	items := inv.Items()
	d.metrics.InvocationLaunched(len(inv.Batches()), items, localOnly)
	d.publish(events.LaunchPayload{
		InvocationID: inv.ID,
		Generation:   inv.Generation,
		Descriptor:   inv.Script,
		Batches:      len(inv.Batches()),
		Items:        items,
		LocalOnly:    localOnly,
	})
	if d.journal != nil {
		err := d.journal.RecordLaunch(ctx, journal.Launch{
			ID:         inv.ID,
			Generation: inv.Generation,
			Descriptor: inv.Script,
			Batches:    len(inv.Batches()),
			Items:      items,
			LocalOnly:  localOnly,
			StartedAt:  inv.StartedAt,
		})
		if err != nil {
			d.logger.Warn("failed to journal launch", "invocation_id", inv.ID, "error", err)
		}
	}

	d.generation = 1 - d.generation
	d.pool.Reset(d.generation)
	return nil
}

func (d *Dispatcher) closeActive(ctx context.Context) error {
	inv := d.active
	d.active = nil

	out, closeErr := inv.Close(d.generation, d.pool.NextSequence)
	d.metrics.InvocationClosed(out.ExitCode, time.Since(inv.StartedAt), out.Completed)
	d.recordClose(ctx, inv, out, closeErr)

	payload := events.ClosePayload{
		InvocationID: inv.ID,
		ExitCode:     out.ExitCode,
		Completed:    out.Completed,
		Requeued:     len(out.Requeued),
		ForceLocal:   out.ForceLocal,
	}
	if err := errors.Join(out.Fatal, closeErr); err != nil {
		payload.Error = err.Error()
	}
	d.publish(payload)

	if out.Fatal != nil {
		return out.Fatal
	}
	if closeErr != nil {
		return fmt.Errorf("reconcile invocation %s: %w", inv.ID, closeErr)
	}

	if out.ForceLocal && !d.localOnly.Swap(true) {
		d.logger.Warn("build tool exited unexpectedly, later builds run local-only",
			"invocation_id", inv.ID,
			"exit_code", out.ExitCode,
		)
		d.metrics.SetLocalOnly(true)
		d.publish(events.LocalOnlyPayload{
			LocalOnly: true,
			Reason:    fmt.Sprintf("exit code %d", out.ExitCode),
		})
	}

	if out.Requeue() {
		d.metrics.BatchRequeued(len(out.Requeued))
		for _, b := range out.Requeued {
			d.publish(events.BatchPayload{
				Generation: b.Generation(),
				Sequence:   b.Sequence(),
				Items:      b.Len(),
				Requeued:   true,
			})
		}
		d.ready = append(d.ready, out.Requeued...)
	}

	report, err := d.ws.Sweep(ctx, sweepAge)
	if err != nil {
		d.logger.Warn("working root sweep failed", "error", err)
	} else if report.DeletedDescriptors > 0 || report.DeletedDirs > 0 {
		d.logger.Debug("swept working root",
			"descriptors", report.DeletedDescriptors,
			"dirs", report.DeletedDirs,
		)
	}
	return nil
}

func (d *Dispatcher) recordClose(ctx context.Context, inv *invocation.Invocation, out invocation.Outcome, closeErr error) {
	if d.journal == nil {
		return
	}
	requeued := make(map[*batch.Batch]bool, len(out.Requeued))
	for _, b := range out.Requeued {
		requeued[b] = true
	}
	batches := make([]journal.Batch, 0, len(inv.Batches()))
	for _, b := range inv.Batches() {
		outcome := journal.BatchAbandoned
		switch {
		case b.Completed():
			outcome = journal.BatchCompleted
		case requeued[b]:
			outcome = journal.BatchRequeued
		}
		batches = append(batches, journal.Batch{
			Generation: b.Generation(),
			Sequence:   b.Sequence(),
			Items:      b.Len(),
			Outcome:    outcome,
		})
	}
	err := d.journal.RecordClose(ctx, journal.Close{
		ID:         inv.ID,
		ExitCode:   out.ExitCode,
		Completed:  out.Completed,
		Requeued:   len(out.Requeued),
		Err:        errors.Join(out.Fatal, closeErr),
		FinishedAt: d.now().UTC(),
		Batches:    batches,
	})
	if err != nil {
		d.logger.Warn("failed to journal close", "invocation_id", inv.ID, "error", err)
	}
}

func (d *Dispatcher) drain() (int, error) {
	items := d.queue.Drain()
	for _, it := range items {
		b, err := d.pool.Submit(it)
		if err != nil {
			return len(items), fmt.Errorf("submit item %s: %w", it.ID, err)
		}
		if b != nil {
			d.sealed(b)
			d.ready = append(d.ready, b)
		}
	}
	if len(items) > 0 {
		d.lastSubmit = d.now()
	}
	return len(items), nil
}

func (d *Dispatcher) sealed(b *batch.Batch) {
	d.metrics.BatchSealed(b.Len())
	d.publish(events.BatchPayload{
		Generation: b.Generation(),
		Sequence:   b.Sequence(),
		Items:      b.Len(),
	})
}

func (d *Dispatcher) fail(err error) error {
	d.failed = fmt.Errorf("%w: %w", ErrFailed, err)
	d.logger.Error("dispatcher stopped", "error", err)
	d.publish(events.FailurePayload{Error: err.Error()})
	return d.failed
}

func (d *Dispatcher) publish(p events.Payload) {
	if d.hub != nil {
		d.hub.Emit(p)
	}
}

// Run ticks until ctx is cancelled or a fatal error occurs, sleeping the
// poll interval between ticks. Run is not reentrant.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}
	defer d.running.Store(false)

	d.logger.Info("dispatch loop started")
	for {
		if err := ctx.Err(); err != nil {
			d.logger.Info("dispatch loop stopped")
			return err
		}
		if _, err := d.Tick(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.pollInterval):
		}
	}
}

// Reconfigure replaces the farm settings. The change is applied at the
// start of the next tick: collecting batches are sealed before the pool is
// resized. The farm cannot be disabled nor its working root moved while
// running.
func (d *Dispatcher) Reconfigure(cfg config.FarmConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid farm config: %w", err)
	}
	if !cfg.Enabled {
		return errors.New("farm cannot be disabled while running")
	}
	if cfg.WorkingDir != d.workingDir {
		return errors.New("farm.working_dir cannot change while running")
	}
	for {
		select {
		case d.pending <- cfg:
			return nil
		default:
		}
		// Drop the older pending change.
		select {
		case <-d.pending:
		default:
		}
	}
}

func (d *Dispatcher) applyPending() error {
	var cfg config.FarmConfig
	select {
	case cfg = <-d.pending:
	default:
		return nil
	}

	exe, err := resolveExecutable(cfg.Executable)
	if err != nil {
		d.logger.Warn("ignoring reconfigure", "error", err)
		return nil
	}

	if cfg.BatchSize != d.cfg.BatchSize || cfg.BatchGroupSize != d.cfg.BatchGroupSize {
		sealed, err := d.pool.Resize(cfg.BatchSize, cfg.BatchGroupSize)
		for _, b := range sealed {
			d.sealed(b)
		}
		d.ready = append(d.ready, sealed...)
		if err != nil {
			return fmt.Errorf("resize pool: %w", err)
		}
	}
	d.launcher.SetOptions(launchOptions(cfg, exe))
	d.cfg = cfg
	d.logger.Info("farm reconfigured",
		"batch_size", cfg.BatchSize,
		"batch_group_size", cfg.BatchGroupSize,
		"job_timeout", cfg.JobTimeout,
		"disable_remote", cfg.DisableRemote,
	)
	return nil
}

// ResetLocalOnly lets later invocations distribute again after an
// unexpected exit forced local-only builds.
func (d *Dispatcher) ResetLocalOnly() {
	if d.localOnly.Swap(false) {
		d.logger.Info("local-only cleared")
		d.metrics.SetLocalOnly(false)
		d.publish(events.LocalOnlyPayload{Reason: "reset"})
	}
}

// Close kills any running build, deletes the working root and drops all
// batches. Call it after Run has returned.
func (d *Dispatcher) Close() error {
	var errs []error
	if d.active != nil {
		errs = append(errs, d.active.Kill())
		d.active = nil
	}
	d.ready = nil
	if n := d.pool.Discard(); n > 0 {
		d.logger.Info("dropped unsent items", "items", n)
	}
	if err := d.ws.Purge(); err != nil {
		errs = append(errs, fmt.Errorf("purge working root: %w", err))
	}
	d.publishStatus()
	d.logger.Info("dispatcher closed")
	return errors.Join(errs...)
}
