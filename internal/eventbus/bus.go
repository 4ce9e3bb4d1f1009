// Package eventbus implements the Event Bus: a pub/sub fan-out of
// ToolEvent-equivalent values to company/user rooms, with sanitization,
// best-effort (never-blocking) delivery, and a ring-buffered history for
// diagnostics. The room/subscriber shape and the "a slow subscriber
// drops rather than blocks the producer" rule mirror this codebase's
// broadcast manager.
package eventbus

import (
	"sync"
)

// Subscription is returned by Subscribe; the caller reads from C and
// calls Unsubscribe when done.
type Subscription struct {
	C chan Event

	bus  *Bus
	room string
	id   uint64
}

// Unsubscribe removes the subscription from its room and closes C.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.room, s.id)
}

// Bus is the Event Bus. Zero value is not usable; use New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan Event
	nextID      uint64

	bufferSize int

	historyMu sync.Mutex
	history   []Event
	historyN  int
	historyAt int
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithSubscriberBuffer sets the per-subscriber channel buffer size used
// for best-effort delivery. Default 32.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.bufferSize = n }
}

// WithHistorySize sets the ring buffer capacity for get_recent queries.
// Default 1000.
func WithHistorySize(n int) Option {
	return func(b *Bus) { b.history = make([]Event, n) }
}

// New constructs a Bus ready to Subscribe/Publish.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string]map[uint64]chan Event),
		bufferSize:  32,
		history:     make([]Event, 1000),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe joins a room ("company_{id}" or "user_{id}") and returns a
// Subscription whose channel receives every event published to that
// room from this point on.
func (b *Bus) Subscribe(room string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[room] == nil {
		b.subscribers[room] = make(map[uint64]chan Event)
	}
	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.bufferSize)
	b.subscribers[room][id] = ch

	return &Subscription{C: ch, bus: b, room: room, id: id}
}

func (b *Bus) unsubscribe(room string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[room]; ok {
		if ch, ok := subs[id]; ok {
			close(ch)
			delete(subs, id)
		}
		if len(subs) == 0 {
			delete(b.subscribers, room)
		}
	}
}

// Publish sanitizes the event's parameters and result, records it in the
// ring buffer, and delivers it to every subscriber of its rooms.
// Delivery never blocks: a subscriber whose buffer is full has this
// event silently dropped for it, and does not affect other subscribers
// or the calling goroutine.
func (b *Bus) Publish(evt Event) {
	sanitized := evt.clone()
	sanitized.Parameters = sanitizeParameters(sanitized.Parameters)
	if sanitized.Result != nil {
		sanitized.Result.Data = sanitizeData(sanitized.Result.Data)
	}

	b.recordHistory(sanitized)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, room := range sanitized.Rooms() {
		for _, ch := range b.subscribers[room] {
			select {
			case ch <- sanitized:
			default:
				// Slow or disconnected subscriber: drop rather than
				// block the producer or other subscribers.
			}
		}
	}
}

func (b *Bus) recordHistory(evt Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyAt] = evt
	b.historyAt = (b.historyAt + 1) % len(b.history)
	if b.historyN < len(b.history) {
		b.historyN++
	}
}

// RecentQuery filters GetRecent results.
type RecentQuery struct {
	TraceID        string
	ToolName       string
	EventType      EventType
	Limit          int
}

// GetRecent returns up to Limit events from the ring buffer matching the
// query's non-empty fields, most recent first.
func (b *Bus) GetRecent(q RecentQuery) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = len(b.history)
	}

	out := make([]Event, 0, limit)
	n := b.historyN
	capLen := len(b.history)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (b.historyAt - 1 - i + capLen) % capLen
		evt := b.history[idx]
		if q.TraceID != "" && evt.TraceID != q.TraceID {
			continue
		}
		if q.ToolName != "" && evt.ToolName != q.ToolName {
			continue
		}
		if q.EventType != "" && evt.EventType != q.EventType {
			continue
		}
		out = append(out, evt)
	}
	return out
}
