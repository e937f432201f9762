package invocation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/farmdispatch/internal/batch"
	"github.com/mattjoyce/farmdispatch/internal/log"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

// Launcher writes build descriptors and starts invocations.
type Launcher struct {
	root    string
	spawner Spawner
	codec   transfer.Codec
	fs      transfer.Policy
	sink    Sink
	opts    Options

	scriptSeq int
	logger    *slog.Logger
}

func NewLauncher(root string, spawner Spawner, codec transfer.Codec, fs transfer.Policy, sink Sink, opts Options) *Launcher {
	if opts.HostPID == 0 {
		opts.HostPID = os.Getpid()
	}
	return &Launcher{
		root:    root,
		spawner: spawner,
		codec:   codec,
		fs:      fs,
		sink:    sink,
		opts:    opts,
		logger:  log.WithComponent("invocation"),
	}
}

// SetOptions replaces the options used by later launches.
func (l *Launcher) SetOptions(opts Options) {
	if opts.HostPID == 0 {
		opts.HostPID = l.opts.HostPID
	}
	l.opts = opts
}

func (l *Launcher) Options() Options { return l.opts }

// Launch writes a descriptor for batches into the generation's directory
// and starts the build over it. With localOnly set the build is told not to
// distribute. The watchdog is best effort.
func (l *Launcher) Launch(ctx context.Context, generation int, batches []*batch.Batch, localOnly bool) (*Invocation, error) {
	if len(batches) == 0 {
		return nil, errors.New("launch: no batches")
	}

	opts := l.opts
	if localOnly {
		opts.DisableRemote = true
	}

	inv := &Invocation{
		ID:         uuid.NewString(),
		Generation: generation,
		batches:    batches,
		state:      StateLaunching,
		codec:      l.codec,
		sink:       l.sink,
	}
	inv.logger = log.WithInvocation(inv.ID).With("component", "invocation", "generation", generation)

	script, seq, err := transfer.UniqueScriptPath(transfer.GenerationDir(l.root, generation), l.scriptSeq)
	if err != nil {
		return nil, fmt.Errorf("pick descriptor name: %w", err)
	}
	l.scriptSeq = seq + 1
	err = l.fs.WriteFile(script, func(w io.Writer) error {
		return WriteDescriptor(w, opts, batches)
	})
	if err != nil {
		return nil, fmt.Errorf("write descriptor: %w", err)
	}
	info, err := os.Stat(script)
	if err != nil {
		return nil, fmt.Errorf("stat descriptor: %w", err)
	}
	inv.Script = script
	inv.ScriptTime = info.ModTime()

	args := BuildArgs(opts, script)
	inv.logger.Info("starting build",
		"executable", opts.Executable,
		"args", args,
		"batches", len(batches),
		"items", inv.Items(),
	)
	proc, err := l.spawner.Start(ctx, opts.Executable, args)
	if err != nil {
		return nil, fmt.Errorf("start build: %w", err)
	}
	inv.proc = proc
	inv.StartedAt = time.Now().UTC()

	if opts.WorkerExecutable != "" {
		if err := l.spawner.StartDetached(opts.WorkerExecutable, WatchdogArgs(opts.HostPID, proc.PID())); err != nil {
			inv.logger.Warn("failed to start build watchdog", "error", err)
		}
	}

	for _, b := range batches {
		b.MarkInFlight()
	}
	inv.state = StateRunning
	return inv, nil
}
