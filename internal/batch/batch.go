package batch

import (
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

// Status is a batch's lifecycle position.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusReady      Status = "ready"
	StatusInFlight   Status = "in_flight"
	StatusCompleted  Status = "completed"
)

// SealedBatchError is returned when an item is added to a sealed batch.
type SealedBatchError struct {
	Generation int
	Sequence   int
	ItemID     string
}

func (e *SealedBatchError) Error() string {
	return fmt.Sprintf("batch %d/%d is sealed: cannot add item %s", e.Generation, e.Sequence, e.ItemID)
}

// Batch is an ordered group of items bound to one artifact slot. Items can
// be added until Seal writes the input artifact; after that the item list
// never changes.
type Batch struct {
	root  string
	fs    transfer.Policy
	items []*queue.Item
	ids   map[string]struct{}

	generation int
	sequence   int
	paths      transfer.Paths

	status Status
	sealed bool
}

// New returns an empty collecting batch placed at (generation, sequence)
// under root.
func New(root string, fs transfer.Policy, generation, sequence int) *Batch {
	b := &Batch{
		root:   root,
		fs:     fs,
		ids:    make(map[string]struct{}),
		status: StatusCollecting,
	}
	b.AssignSlot(generation, sequence)
	return b
}

// Add appends item. Duplicate ids are rejected.
func (b *Batch) Add(item *queue.Item) error {
	if b.sealed {
		return &SealedBatchError{Generation: b.generation, Sequence: b.sequence, ItemID: item.ID}
	}
	if _, dup := b.ids[item.ID]; dup {
		return fmt.Errorf("batch %d/%d: duplicate item %s", b.generation, b.sequence, item.ID)
	}
	b.ids[item.ID] = struct{}{}
	b.items = append(b.items, item)
	return nil
}

// Seal writes the input artifact and freezes the batch. Sealing twice is a
// programming error.
func (b *Batch) Seal(codec transfer.Codec) error {
	if b.sealed {
		panic(fmt.Sprintf("batch %d/%d sealed twice", b.generation, b.sequence))
	}
	err := b.fs.WriteFile(b.paths.Input, func(w io.Writer) error {
		return codec.WriteItems(w, b.items)
	})
	if err != nil {
		return fmt.Errorf("seal batch %d/%d: %w", b.generation, b.sequence, err)
	}
	b.sealed = true
	b.status = StatusReady
	return nil
}

// AssignSlot moves the batch's derived paths to (generation, sequence).
// No files are touched.
func (b *Batch) AssignSlot(generation, sequence int) {
	b.generation = generation
	b.sequence = sequence
	b.paths = transfer.BatchPaths(b.root, generation, sequence)
}

// Relocate reassigns the slot and moves the input artifact with it. The
// batch returns to READY.
func (b *Batch) Relocate(generation, sequence int) error {
	from := b.paths.Input
	b.AssignSlot(generation, sequence)
	if err := b.fs.MoveFile(b.paths.Input, from); err != nil {
		return fmt.Errorf("relocate batch to %d/%d: %w", generation, sequence, err)
	}
	b.status = StatusReady
	return nil
}

// Cleanup deletes the output and success marker, and the input unless
// keepInput is set. Without keepInput the emptied slot directory is removed
// too when possible.
func (b *Batch) Cleanup(keepInput bool) error {
	if err := b.fs.DeleteFile(b.paths.Output); err != nil {
		return err
	}
	if err := b.fs.DeleteFile(b.paths.Success); err != nil {
		return err
	}
	if keepInput {
		return nil
	}
	if err := b.fs.DeleteFile(b.paths.Input); err != nil {
		return err
	}
	_ = os.Remove(b.paths.Dir)
	return nil
}

// MarkInFlight records that an invocation now owns the batch.
func (b *Batch) MarkInFlight() { b.status = StatusInFlight }

// MarkCompleted records that results were read back.
func (b *Batch) MarkCompleted() { b.status = StatusCompleted }

func (b *Batch) Items() []*queue.Item { return b.items }
func (b *Batch) Len() int { return len(b.items) }
func (b *Batch) Generation() int { return b.generation }
func (b *Batch) Sequence() int { return b.sequence }
func (b *Batch) Paths() transfer.Paths { return b.paths }
func (b *Batch) Sealed() bool { return b.sealed }
func (b *Batch) Status() Status { return b.status }
func (b *Batch) Completed() bool { return b.status == StatusCompleted }
