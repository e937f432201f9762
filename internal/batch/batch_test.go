package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmdispatch/internal/log"
	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

var testFS = transfer.Policy{Attempts: 3, Delay: time.Millisecond}

func item(id string) *queue.Item {
	return &queue.Item{ID: id, Group: "g", Payload: []byte(id)}
}

func newTestPool(t *testing.T, batchSize, groupSize int) *Pool {
	t.Helper()
	p, err := NewPool(PoolConfig{
		Root:      t.TempDir(),
		BatchSize: batchSize,
		GroupSize: groupSize,
		Codec:     transfer.JSONCodec{},
		FS:        testFS,
	})
	require.NoError(t, err)
	return p
}

func TestBatchSealWritesInputAndFreezes(t *testing.T) {
	root := t.TempDir()
	b := New(root, testFS, 0, 3)
	require.NoError(t, b.Add(item("a")))
	require.NoError(t, b.Add(item("b")))
	assert.Equal(t, StatusCollecting, b.Status())

	require.NoError(t, b.Seal(transfer.JSONCodec{}))
	assert.True(t, b.Sealed())
	assert.Equal(t, StatusReady, b.Status())

	f, err := os.Open(filepath.Join(root, "0", "3", transfer.InputFileName))
	require.NoError(t, err)
	defer f.Close()
	decoded, err := transfer.DecodeItems(f)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "a", decoded[0].ID)
	assert.Equal(t, "b", decoded[1].ID)

	err = b.Add(item("c"))
	var sealedErr *SealedBatchError
	require.ErrorAs(t, err, &sealedErr)
	assert.Equal(t, "c", sealedErr.ItemID)
	assert.Equal(t, 2, b.Len(), "sealed batch must not grow")
}

func TestBatchSealTwicePanics(t *testing.T) {
	b := New(t.TempDir(), testFS, 0, 0)
	require.NoError(t, b.Add(item("a")))
	require.NoError(t, b.Seal(transfer.JSONCodec{}))
	assert.Panics(t, func() { _ = b.Seal(transfer.JSONCodec{}) })
}

func TestBatchRejectsDuplicateItem(t *testing.T) {
	b := New(t.TempDir(), testFS, 0, 0)
	require.NoError(t, b.Add(item("a")))
	assert.Error(t, b.Add(item("a")))
	assert.Equal(t, 1, b.Len())
}

func TestBatchRelocateMovesInput(t *testing.T) {
	root := t.TempDir()
	b := New(root, testFS, 0, 0)
	require.NoError(t, b.Add(item("a")))
	require.NoError(t, b.Seal(transfer.JSONCodec{}))
	old := b.Paths()
	b.MarkInFlight()

	require.NoError(t, b.Relocate(1, 5))

	assert.Equal(t, 1, b.Generation())
	assert.Equal(t, 5, b.Sequence())
	assert.Equal(t, StatusReady, b.Status())
	assert.Equal(t, filepath.Join(root, "1", "5", transfer.InputFileName), b.Paths().Input)
	assert.FileExists(t, b.Paths().Input)
	assert.NoFileExists(t, old.Input)
}

func TestBatchCleanup(t *testing.T) {
	b := New(t.TempDir(), testFS, 0, 0)
	require.NoError(t, b.Add(item("a")))
	require.NoError(t, b.Seal(transfer.JSONCodec{}))
	paths := b.Paths()
	require.NoError(t, os.WriteFile(paths.Output, []byte("out"), 0o644))
	require.NoError(t, os.WriteFile(paths.Success, nil, 0o644))

	require.NoError(t, b.Cleanup(true))
	assert.FileExists(t, paths.Input)
	assert.NoFileExists(t, paths.Output)
	assert.NoFileExists(t, paths.Success)

	require.NoError(t, b.Cleanup(false))
	assert.NoFileExists(t, paths.Input)
	assert.NoDirExists(t, paths.Dir)
}

// Batch size 2, group size 2, items J1 J2 J3.
func TestPoolFillsCursorSlotBeforeAdvancing(t *testing.T) {
	p := newTestPool(t, 2, 2)

	sealed, err := p.Submit(item("J1"))
	require.NoError(t, err)
	assert.Nil(t, sealed)

	sealed, err = p.Submit(item("J2"))
	require.NoError(t, err)
	require.NotNil(t, sealed)
	assert.Equal(t, StatusReady, sealed.Status())
	assert.Equal(t, 0, sealed.Sequence())
	require.Len(t, sealed.Items(), 2)
	assert.Equal(t, "J1", sealed.Items()[0].ID)
	assert.Equal(t, "J2", sealed.Items()[1].ID)
	assert.Nil(t, p.Slot(0), "sealed batch leaves the pool")

	sealed, err = p.Submit(item("J3"))
	require.NoError(t, err)
	assert.Nil(t, sealed)

	collecting := p.Slot(1)
	require.NotNil(t, collecting)
	assert.Equal(t, StatusCollecting, collecting.Status())
	require.Len(t, collecting.Items(), 1)
	assert.Equal(t, "J3", collecting.Items()[0].ID)
	assert.Equal(t, 1, p.Collecting())
	assert.Equal(t, 1, p.CollectingItems())
}

func TestPoolNeverExceedsBatchSize(t *testing.T) {
	const batchSize = 3
	p := newTestPool(t, batchSize, 4)

	seen := 0
	for i := 0; i < 50; i++ {
		sealed, err := p.Submit(item(string(rune('a'+i%26)) + string(rune('A'+i/26))))
		require.NoError(t, err)
		for s := 0; s < 4; s++ {
			if b := p.Slot(s); b != nil {
				assert.LessOrEqual(t, b.Len(), batchSize)
			}
		}
		if sealed != nil {
			assert.Equal(t, batchSize, sealed.Len())
			seen += sealed.Len()
		}
	}

	rest, err := p.FlushAll()
	require.NoError(t, err)
	for _, b := range rest {
		assert.LessOrEqual(t, b.Len(), batchSize)
		seen += b.Len()
	}
	assert.Equal(t, 50, seen)
	assert.Equal(t, 0, p.CollectingItems())
}

func TestPoolSequencesNeverAlias(t *testing.T) {
	p := newTestPool(t, 1, 2)

	b1, err := p.Submit(item("a"))
	require.NoError(t, err)
	b2, err := p.Submit(item("b"))
	require.NoError(t, err)
	requeueSeq := p.NextSequence()
	b3, err := p.Submit(item("c"))
	require.NoError(t, err)

	seqs := map[int]bool{b1.Sequence(): true, b2.Sequence(): true, requeueSeq: true, b3.Sequence(): true}
	assert.Len(t, seqs, 4)
}

func TestPoolResetRestartsGeneration(t *testing.T) {
	p := newTestPool(t, 1, 2)
	_, err := p.Submit(item("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Cursor())

	p.Reset(1)
	assert.Equal(t, 1, p.Generation())
	assert.Equal(t, 0, p.Cursor())

	b, err := p.Submit(item("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Generation())
	assert.Equal(t, 0, b.Sequence())
}

func TestPoolResizeFlushes(t *testing.T) {
	p := newTestPool(t, 4, 2)
	_, err := p.Submit(item("a"))
	require.NoError(t, err)

	sealed, err := p.Resize(8, 3)
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	assert.Equal(t, 0, p.CollectingItems())

	_, err = p.Resize(0, 3)
	assert.Error(t, err)
}

func TestNewPoolValidates(t *testing.T) {
	_, err := NewPool(PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root is required")
	assert.Contains(t, err.Error(), "codec is required")
}
