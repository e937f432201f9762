package queue

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Queue is the handoff between submitters and the dispatch loop. The mutex
// guards the pending slice, the live ID set and the result map and is never
// held across filesystem or process work. An ID is live from Enqueue until
// its item is posted. Outstanding is tracked atomically so it can be
// read without the lock.
type Queue struct {
	mu      sync.Mutex
	pending []*Item
	live    map[string]struct{}
	results map[string]*GroupResult

	outstanding atomic.Int64
}

func New() *Queue {
	return &Queue{
		live:    make(map[string]struct{}),
		results: make(map[string]*GroupResult),
	}
}

// Enqueue appends items for dispatch. Items without an ID get a UUID. The
// call is all or nothing: an ID that repeats within items or is still live
// fails it with ErrDuplicateID.
func (q *Queue) Enqueue(items ...*Item) error {
	now := time.Now().UTC()
	for i, it := range items {
		if it == nil {
			return fmt.Errorf("item %d is nil", i)
		}
		if strings.TrimSpace(it.Group) == "" {
			return fmt.Errorf("item %d: %w", i, ErrGroupEmpty)
		}
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.SubmittedAt.IsZero() {
			it.SubmittedAt = now
		}
	}

	q.mu.Lock()
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		_, live := q.live[it.ID]
		_, dup := seen[it.ID]
		if live || dup {
			q.mu.Unlock()
			return fmt.Errorf("item %s: %w", it.ID, ErrDuplicateID)
		}
		seen[it.ID] = struct{}{}
	}
	for id := range seen {
		q.live[id] = struct{}{}
	}
	q.pending = append(q.pending, items...)
	q.mu.Unlock()

	q.outstanding.Add(int64(len(items)))
	return nil
}

// Drain removes and returns every pending item in submission order.
func (q *Queue) Drain() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}

// Post records finished items under their groups and decrements the
// outstanding count.
func (q *Queue) Post(items []*Item) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	for _, it := range items {
		delete(q.live, it.ID)
		res, ok := q.results[it.Group]
		if !ok {
			res = &GroupResult{Group: it.Group, AllSucceeded: true}
			q.results[it.Group] = res
		}
		res.FinishedItems = append(res.FinishedItems, it)
		res.AllSucceeded = res.AllSucceeded && it.Succeeded
	}
	q.mu.Unlock()

	q.outstanding.Add(-int64(len(items)))
}

// Results returns a copy of the finished items for group.
func (q *Queue) Results(group string) (GroupResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, ok := q.results[group]
	if !ok {
		return GroupResult{}, false
	}
	out := *res
	out.FinishedItems = append([]*Item(nil), res.FinishedItems...)
	return out, true
}

// TakeResults returns and forgets the finished items for group.
func (q *Queue) TakeResults(group string) (GroupResult, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, ok := q.results[group]
	if !ok {
		return GroupResult{}, false
	}
	delete(q.results, group)
	return *res, true
}

// Outstanding is the number of items submitted but not yet posted.
func (q *Queue) Outstanding() int64 {
	return q.outstanding.Load()
}

// Pending is the number of items waiting to be drained.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
