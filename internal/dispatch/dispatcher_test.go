package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmdispatch/internal/config"
	"github.com/mattjoyce/farmdispatch/internal/events"
	"github.com/mattjoyce/farmdispatch/internal/invocation"
	"github.com/mattjoyce/farmdispatch/internal/journal"
	"github.com/mattjoyce/farmdispatch/internal/log"
	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// fakeProc is a build that has already written its outputs. With hold set
// it reports running until released.
type fakeProc struct {
	exit    int
	running atomic.Bool
	killed  atomic.Bool
}

func (p *fakeProc) PID() int      { return 4242 }
func (p *fakeProc) Running() bool { return p.running.Load() }
func (p *fakeProc) Wait() (int, error) {
	return p.exit, nil
}
func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.running.Store(false)
	return nil
}
func (p *fakeProc) release() { p.running.Store(false) }

type launch struct {
	args   []string
	inputs []string
	proc   *fakeProc
}

// fakeFarm plays the build tool: it reads the descriptor, answers the first
// N batches and exits with the scripted code.
type fakeFarm struct {
	mu       sync.Mutex
	exits    []int
	complete []int
	hold     bool
	launches []launch
}

func (f *fakeFarm) Start(_ context.Context, _ string, args []string) (invocation.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.launches)
	inputs, err := descriptorInputs(args[1])
	if err != nil {
		return nil, err
	}

	exit := 0
	if n < len(f.exits) {
		exit = f.exits[n]
	}
	done := len(inputs)
	if n < len(f.complete) && f.complete[n] < done {
		done = f.complete[n]
	}
	for _, in := range inputs[:done] {
		if err := answer(in); err != nil {
			return nil, err
		}
	}

	proc := &fakeProc{exit: exit}
	proc.running.Store(f.hold)
	f.launches = append(f.launches, launch{args: args, inputs: inputs, proc: proc})
	return proc, nil
}

func (f *fakeFarm) StartDetached(string, []string) error { return nil }

func (f *fakeFarm) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeFarm) launch(i int) launch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches[i]
}

func descriptorInputs(script string) ([]string, error) {
	file, err := os.Open(script)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	const marker = ".CompilerInputFiles = { '"
	var inputs []string
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, marker); ok {
			inputs = append(inputs, strings.TrimSuffix(rest, "' }"))
		}
	}
	return inputs, sc.Err()
}

func answer(input string) error {
	in, err := os.Open(input)
	if err != nil {
		return err
	}
	items, err := transfer.DecodeItems(in)
	in.Close()
	if err != nil {
		return err
	}
	for i := range items {
		items[i].Succeeded = true
	}
	out, err := os.Create(filepath.Join(filepath.Dir(input), transfer.OutputFileName))
	if err != nil {
		return err
	}
	if err := transfer.EncodeResults(out, items); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingJournal struct {
	mu       sync.Mutex
	launches []journal.Launch
	closes   []journal.Close
}

func (j *recordingJournal) RecordLaunch(_ context.Context, l journal.Launch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.launches = append(j.launches, l)
	return nil
}

func (j *recordingJournal) RecordClose(_ context.Context, c journal.Close) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closes = append(j.closes, c)
	return nil
}

type fixture struct {
	root  string
	farm  *fakeFarm
	clock *fakeClock
	queue *queue.Queue
	d     *Dispatcher
}

func farmConfig(root string) config.FarmConfig {
	return config.FarmConfig{
		Enabled:        true,
		Executable:     "sh",
		WorkingDir:     root,
		CachePath:      "/cache",
		BatchSize:      2,
		BatchGroupSize: 2,
		JobTimeout:     500 * time.Millisecond,
	}
}

func newFixture(t *testing.T, farm *fakeFarm, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		root:  filepath.Join(t.TempDir(), "farm"),
		farm:  farm,
		clock: &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		queue: queue.New(),
	}
	opts = append([]Option{
		WithSpawner(farm),
		WithClock(f.clock.Now),
		WithFSPolicy(transfer.Policy{Attempts: 3, Delay: time.Millisecond}),
	}, opts...)

	d, err := New(context.Background(), farmConfig(f.root), f.queue, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	f.d = d
	return f
}

func (f *fixture) enqueue(t *testing.T, ids ...string) {
	t.Helper()
	items := make([]*queue.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, &queue.Item{ID: id, Group: "g", Payload: []byte(id)})
	}
	require.NoError(t, f.queue.Enqueue(items...))
}

func (f *fixture) tick(t *testing.T) bool {
	t.Helper()
	more, err := f.d.Tick(context.Background())
	require.NoError(t, err)
	return more
}

// settle ticks, letting the coalescing delay elapse each time, until the
// dispatcher reports no work left.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if !f.tick(t) {
			return
		}
		f.clock.Advance(f.d.cfg.JobTimeout)
	}
	t.Fatalf("dispatcher still busy after 50 ticks: %+v", f.d.Status())
}

func (f *fixture) genPrefix(gen int) string {
	return filepath.Join(f.root, fmt.Sprint(gen)) + string(filepath.Separator)
}

func TestTickLaunchesAfterCoalescingDelay(t *testing.T) {
	farm := &fakeFarm{hold: true}
	f := newFixture(t, farm)

	f.enqueue(t, "J1", "J2", "J3")
	assert.True(t, f.tick(t))
	st := f.d.Status()
	assert.Equal(t, 1, st.Ready)
	assert.Equal(t, 1, st.CollectingItems)
	assert.Equal(t, 0, st.Generation)

	f.clock.Advance(400 * time.Millisecond)
	f.tick(t)
	assert.Equal(t, 0, farm.launchCount())

	f.clock.Advance(100 * time.Millisecond)
	f.tick(t)
	require.Equal(t, 1, farm.launchCount())

	l := farm.launch(0)
	require.Len(t, l.inputs, 2)
	for _, in := range l.inputs {
		assert.True(t, strings.HasPrefix(in, f.genPrefix(0)), in)
	}
	assert.Contains(t, l.args, "-dist")

	st = f.d.Status()
	assert.Equal(t, 1, st.Generation)
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 0, st.Ready)
	assert.Equal(t, 0, st.CollectingItems)
	assert.NotEmpty(t, st.InvocationID)

	l.proc.release()
	f.settle(t)
	assert.Equal(t, int64(0), f.queue.Outstanding())
}

func TestDuplicateSubmissionLeavesDispatcherRunning(t *testing.T) {
	farm := &fakeFarm{}
	f := newFixture(t, farm)

	err := f.queue.Enqueue(&queue.Item{ID: "J1", Group: "g"}, &queue.Item{ID: "J1", Group: "g"})
	require.ErrorIs(t, err, queue.ErrDuplicateID)

	f.enqueue(t, "J1", "J2")
	f.tick(t)
	require.ErrorIs(t, f.queue.Enqueue(&queue.Item{ID: "J1", Group: "g"}), queue.ErrDuplicateID)

	f.clock.Advance(time.Second)
	f.settle(t)
	assert.False(t, f.d.Status().Failed)
	assert.Equal(t, int64(0), f.queue.Outstanding())
}

func TestNoLaunchWithoutWork(t *testing.T) {
	farm := &fakeFarm{}
	f := newFixture(t, farm)

	f.clock.Advance(time.Hour)
	assert.False(t, f.tick(t))
	assert.Equal(t, 0, farm.launchCount())
}

func TestRequeueNeverLosesOrDuplicatesItems(t *testing.T) {
	farm := &fakeFarm{
		exits:    []int{invocation.ExitCancelled, 7, invocation.ExitOK},
		complete: []int{1, 0},
	}
	f := newFixture(t, farm)

	f.enqueue(t, "J1", "J2", "J3", "J4", "J5")
	f.settle(t)

	require.Equal(t, 3, farm.launchCount())
	assert.Len(t, farm.launch(0).inputs, 3)
	assert.Len(t, farm.launch(1).inputs, 2)
	assert.Len(t, farm.launch(2).inputs, 2)

	// Every launch uses the other generation directory.
	for i := 0; i < 3; i++ {
		for _, in := range farm.launch(i).inputs {
			assert.True(t, strings.HasPrefix(in, f.genPrefix(i%2)), "launch %d input %s", i, in)
		}
	}

	// The unexpected exit forced the third build local-only.
	assert.Contains(t, farm.launch(1).args, "-dist")
	assert.NotContains(t, farm.launch(2).args, "-dist")
	assert.True(t, f.d.Status().LocalOnly)

	res, ok := f.queue.Results("g")
	require.True(t, ok)
	seen := map[string]int{}
	for _, it := range res.FinishedItems {
		seen[it.ID]++
	}
	assert.Equal(t, map[string]int{"J1": 1, "J2": 1, "J3": 1, "J4": 1, "J5": 1}, seen)
	assert.True(t, res.AllSucceeded)
	assert.Equal(t, int64(0), f.queue.Outstanding())
	assert.Equal(t, 3, f.d.Status().Invocations)
}

func TestSingleActiveInvocation(t *testing.T) {
	farm := &fakeFarm{hold: true, complete: []int{1}}
	f := newFixture(t, farm)

	f.enqueue(t, "J1", "J2", "J3")
	f.tick(t)
	f.clock.Advance(time.Second)
	f.tick(t)
	require.Equal(t, 1, farm.launchCount())

	f.enqueue(t, "J4", "J5", "J6")
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		assert.True(t, f.tick(t))
	}
	assert.Equal(t, 1, farm.launchCount())
	st := f.d.Status()
	assert.Equal(t, 1, st.Ready)
	assert.Equal(t, 1, st.CollectingItems)
	assert.Equal(t, 2, st.InFlight)

	// The answered batch is posted while the build is still running.
	assert.Equal(t, 1, st.InFlightCompleted)
	assert.Equal(t, int64(5), f.queue.Outstanding())

	farm.mu.Lock()
	farm.hold = false
	farm.mu.Unlock()
	farm.launch(0).proc.release()
	f.settle(t)

	// Exit 0 with an unanswered batch still requeues it.
	require.Equal(t, 2, farm.launchCount())
	second := farm.launch(1)
	assert.Len(t, second.inputs, 3)
	for _, in := range second.inputs {
		assert.True(t, strings.HasPrefix(in, f.genPrefix(1)), in)
	}
	assert.Equal(t, int64(0), f.queue.Outstanding())
}

func TestWorkerCrashIsFatal(t *testing.T) {
	farm := &fakeFarm{
		exits:    []int{invocation.ExitWorkerCrashed},
		complete: []int{1},
	}
	hub := events.NewHub(16)
	f := newFixture(t, farm, WithHub(hub))

	f.enqueue(t, "J1", "J2", "J3", "J4")
	f.tick(t)
	f.clock.Advance(time.Second)
	f.tick(t)
	require.Equal(t, 1, farm.launchCount())

	_, err := f.d.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.True(t, errors.Is(err, invocation.ErrWorkerCrashed))

	// Sticky, and nothing went back to READY.
	_, again := f.d.Tick(context.Background())
	assert.Equal(t, err, again)
	st := f.d.Status()
	assert.True(t, st.Failed)
	assert.Equal(t, 0, st.Ready)
	assert.Equal(t, int64(2), f.queue.Outstanding())
	assert.Equal(t, 1, farm.launchCount())

	var types []string
	for _, ev := range hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.DispatcherFailed)
	assert.NotContains(t, types, events.BatchRequeued)
}

func TestInfrastructureFailureIsFatal(t *testing.T) {
	farm := &fakeFarm{exits: []int{invocation.ExitInfrastructure}, complete: []int{0}}
	f := newFixture(t, farm)

	f.enqueue(t, "J1")
	f.tick(t)
	f.clock.Advance(time.Second)
	f.tick(t)

	_, err := f.d.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, invocation.ErrInfrastructure))
}

func TestResetLocalOnly(t *testing.T) {
	farm := &fakeFarm{exits: []int{42}, complete: []int{0}}
	f := newFixture(t, farm)

	f.enqueue(t, "J1")
	f.settle(t)
	require.Equal(t, 2, farm.launchCount())
	assert.True(t, f.d.Status().LocalOnly)

	f.d.ResetLocalOnly()
	f.enqueue(t, "J2")
	f.settle(t)
	require.Equal(t, 3, farm.launchCount())
	assert.Contains(t, farm.launch(2).args, "-dist")
	assert.False(t, f.d.Status().LocalOnly)
}

func TestReconfigureResizesPool(t *testing.T) {
	farm := &fakeFarm{}
	f := newFixture(t, farm)

	cfg := farmConfig(f.root)
	cfg.BatchSize = 4
	require.NoError(t, f.d.Reconfigure(cfg))
	f.tick(t)

	f.enqueue(t, "J1", "J2", "J3")
	f.tick(t)
	st := f.d.Status()
	assert.Equal(t, 0, st.Ready)
	assert.Equal(t, 3, st.CollectingItems)

	cfg.BatchSize = 2
	require.NoError(t, f.d.Reconfigure(cfg))
	f.tick(t)
	st = f.d.Status()
	assert.Equal(t, 1, st.Ready)
	assert.Equal(t, 0, st.CollectingItems)

	f.settle(t)
	assert.Equal(t, int64(0), f.queue.Outstanding())
}

func TestReconfigureRejectsUnsafeChanges(t *testing.T) {
	f := newFixture(t, &fakeFarm{})

	cfg := farmConfig(f.root)
	cfg.Enabled = false
	assert.Error(t, f.d.Reconfigure(cfg))

	cfg = farmConfig(f.root)
	cfg.WorkingDir = filepath.Join(f.root, "elsewhere")
	assert.Error(t, f.d.Reconfigure(cfg))

	cfg = farmConfig(f.root)
	cfg.BatchSize = 0
	assert.Error(t, f.d.Reconfigure(cfg))
}

func TestNewUnavailable(t *testing.T) {
	root := filepath.Join(t.TempDir(), "farm")

	cfg := farmConfig(root)
	cfg.Executable = "farmdispatch-test-no-such-build-tool"
	_, err := New(context.Background(), cfg, queue.New())
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

	cfg = farmConfig(root)
	cfg.Enabled = false
	_, err = New(context.Background(), cfg, queue.New())
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestNewPurgesStaleWorkingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "farm")
	stale := filepath.Join(root, "0", "7", transfer.OutputFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	d, err := New(context.Background(), farmConfig(root), queue.New(), WithSpawner(&fakeFarm{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	assert.NoFileExists(t, stale)
	assert.DirExists(t, filepath.Join(root, "0"))
	assert.DirExists(t, filepath.Join(root, "1"))
}

func TestJournalAndEvents(t *testing.T) {
	farm := &fakeFarm{exits: []int{invocation.ExitCancelled}, complete: []int{1}}
	hub := events.NewHub(64)
	j := &recordingJournal{}
	f := newFixture(t, farm, WithHub(hub), WithJournal(j))

	f.enqueue(t, "J1", "J2", "J3")
	f.settle(t)
	require.Equal(t, 2, farm.launchCount())

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.launches, 2)
	require.Len(t, j.closes, 2)
	assert.Equal(t, 2, j.launches[0].Batches)
	assert.Equal(t, 3, j.launches[0].Items)
	assert.Equal(t, invocation.ExitCancelled, j.closes[0].ExitCode)
	assert.Equal(t, 1, j.closes[0].Requeued)

	outcomes := map[string]int{}
	for _, b := range j.closes[0].Batches {
		outcomes[b.Outcome]++
	}
	assert.Equal(t, map[string]int{journal.BatchCompleted: 1, journal.BatchRequeued: 1}, outcomes)

	counts := map[string]int{}
	for _, ev := range hub.SnapshotSince(0) {
		counts[ev.Type]++
	}
	assert.Equal(t, 2, counts[events.BatchSealed])
	assert.Equal(t, 2, counts[events.InvocationLaunched])
	assert.Equal(t, 2, counts[events.InvocationClosed])
	assert.Equal(t, 1, counts[events.BatchRequeued])
}

func TestCloseKillsBuildAndPurges(t *testing.T) {
	farm := &fakeFarm{hold: true}
	f := newFixture(t, farm)

	f.enqueue(t, "J1", "J2", "J3")
	f.tick(t)
	f.clock.Advance(time.Second)
	f.tick(t)
	require.Equal(t, 1, farm.launchCount())

	require.NoError(t, f.d.Close())
	assert.True(t, farm.launch(0).proc.killed.Load())
	assert.NoDirExists(t, f.root)
	st := f.d.Status()
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, 0, st.Ready)
}

func TestRunDrainsUntilCancelled(t *testing.T) {
	farm := &fakeFarm{}
	q := queue.New()
	cfg := farmConfig(filepath.Join(t.TempDir(), "farm"))
	cfg.JobTimeout = 0

	d, err := New(context.Background(), cfg, q, WithSpawner(farm), WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, q.Enqueue(
		&queue.Item{ID: "J1", Group: "g"},
		&queue.Item{ID: "J2", Group: "g"},
		&queue.Item{ID: "J3", Group: "g"},
	))
	require.Eventually(t, func() bool { return q.Outstanding() == 0 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
