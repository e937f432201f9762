package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/farmdispatch/internal/events"
	"github.com/mattjoyce/farmdispatch/internal/invocation"
	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/metrics"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

// Journal records invocations. *journal.Store implements it.
type Journal interface {
	RecordLaunch(ctx context.Context, l journal.Launch) error
	RecordClose(ctx context.Context, c journal.Close) error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithSpawner replaces the process spawner (default os/exec).
func WithSpawner(s invocation.Spawner) Option {
	return func(d *Dispatcher) { d.spawner = s }
}

// WithCodec replaces the item codec (default JSON).
func WithCodec(c transfer.Codec) Option {
	return func(d *Dispatcher) { d.codec = c }
}

func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

func WithHub(h *events.Hub) Option {
	return func(d *Dispatcher) { d.hub = h }
}

func WithMetrics(m metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock replaces time.Now for the coalescing delay.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithFSPolicy replaces the filesystem retry policy.
func WithFSPolicy(p transfer.Policy) Option {
	return func(d *Dispatcher) { d.fs = p }
}

// WithPollInterval sets how long Run sleeps between ticks while idle or
// while an invocation is running.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}
