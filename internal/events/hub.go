package events

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Event is one published payload as clients see it. IDs increase by one per
// event and double as the SSE Last-Event-ID.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans dispatcher events out to live subscribers and keeps the most
// recent ones so a reconnecting client can resume. Emit never blocks; a
// subscriber whose channel is full misses the event.
type Hub struct {
	mu      sync.Mutex
	lastID  int64
	backlog []Event // oldest first
	limit   int
	subs    map[chan Event]struct{}
}

// NewHub keeps up to backlog events for replay.
func NewHub(backlog int) *Hub {
	if backlog <= 0 {
		backlog = 256
	}
	return &Hub{
		backlog: make([]Event, 0, backlog),
		limit:   backlog,
		subs:    make(map[chan Event]struct{}),
	}
}

// Emit publishes p under its own event type and returns the stored event.
func (h *Hub) Emit(p Payload) Event {
	data, err := json.Marshal(p)
	if err != nil {
		data = []byte("{}")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: p.EventType(), At: time.Now().UTC(), Data: data}
	if len(h.backlog) == h.limit {
		h.backlog = append(h.backlog[:0], h.backlog[1:]...)
	}
	h.backlog = append(h.backlog, ev)

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a listener. The returned cancel func closes the
// channel and may be called more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 128)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// SnapshotSince returns the retained events newer than lastID, oldest
// first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.backlog), func(i int) bool { return h.backlog[i].ID > lastID })
	return append([]Event(nil), h.backlog[i:]...)
}
