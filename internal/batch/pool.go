package batch

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/farmdispatch/internal/queue"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Root      string
	BatchSize int
	GroupSize int
	Codec     transfer.Codec
	FS        transfer.Policy
}

func (c PoolConfig) validate() error {
	var errs []error
	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be >= 1, got %d", c.BatchSize))
	}
	if c.GroupSize < 1 {
		errs = append(errs, fmt.Errorf("group size must be >= 1, got %d", c.GroupSize))
	}
	if c.Codec == nil {
		errs = append(errs, errors.New("codec is required"))
	}
	return errors.Join(errs...)
}

// Pool holds up to GroupSize collecting batches in fixed slots. Items are
// appended at the cursor slot; the cursor moves on only when that slot's
// batch fills and is sealed.
type Pool struct {
	cfg        PoolConfig
	slots      []*Batch
	cursor     int
	generation int
	sequence   int
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	return &Pool{cfg: cfg, slots: make([]*Batch, cfg.GroupSize)}, nil
}

// Submit adds item at the cursor slot. When that batch reaches BatchSize
// it is sealed, removed from the pool and returned; otherwise the returned
// batch is nil.
func (p *Pool) Submit(item *queue.Item) (*Batch, error) {
	b := p.slots[p.cursor]
	if b == nil {
		b = New(p.cfg.Root, p.cfg.FS, p.generation, p.NextSequence())
		p.slots[p.cursor] = b
	}
	if err := b.Add(item); err != nil {
		return nil, err
	}
	if b.Len() < p.cfg.BatchSize {
		return nil, nil
	}

	if err := b.Seal(p.cfg.Codec); err != nil {
		return nil, err
	}
	p.slots[p.cursor] = nil
	p.cursor = (p.cursor + 1) % len(p.slots)
	return b, nil
}

// FlushAll seals every non-empty collecting batch in slot order and
// empties the pool.
func (p *Pool) FlushAll() ([]*Batch, error) {
	var sealed []*Batch
	for i, b := range p.slots {
		if b == nil {
			continue
		}
		if b.Len() > 0 {
			if err := b.Seal(p.cfg.Codec); err != nil {
				return sealed, err
			}
			sealed = append(sealed, b)
		}
		p.slots[i] = nil
	}
	return sealed, nil
}

// Reset starts a fresh generation: cursor and sequence return to zero.
// The pool must be empty.
func (p *Pool) Reset(generation int) {
	p.generation = generation
	p.cursor = 0
	p.sequence = 0
}

// NextSequence allocates a slot number in the current generation. Requeued
// batches draw from the same counter so paths never alias.
func (p *Pool) NextSequence() int {
	seq := p.sequence
	p.sequence++
	return seq
}

// Resize seals everything currently collecting and applies new sizes. The
// sealed batches are returned so the caller can mark them READY.
func (p *Pool) Resize(batchSize, groupSize int) ([]*Batch, error) {
	next := p.cfg
	next.BatchSize = batchSize
	next.GroupSize = groupSize
	if err := next.validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	sealed, err := p.FlushAll()
	if err != nil {
		return sealed, err
	}
	p.cfg = next
	p.slots = make([]*Batch, groupSize)
	p.cursor = 0
	return sealed, nil
}

// Discard drops every collecting batch without sealing it and returns how
// many items were dropped.
func (p *Pool) Discard() int {
	n := p.CollectingItems()
	clear(p.slots)
	p.cursor = 0
	return n
}

func (p *Pool) Generation() int { return p.generation }
func (p *Pool) Cursor() int { return p.cursor }

// Slot returns the collecting batch at index i, or nil.
func (p *Pool) Slot(i int) *Batch { return p.slots[i] }

// Collecting is the number of non-empty collecting batches.
func (p *Pool) Collecting() int {
	n := 0
	for _, b := range p.slots {
		if b != nil && b.Len() > 0 {
			n++
		}
	}
	return n
}

// CollectingItems is the number of items not yet sealed.
func (p *Pool) CollectingItems() int {
	n := 0
	for _, b := range p.slots {
		if b != nil {
			n += b.Len()
		}
	}
	return n
}
