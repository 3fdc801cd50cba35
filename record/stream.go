package record

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

type EventType string

const (
	EventRecordUpdated     EventType = "record_updated"
	EventRecordDeleted     EventType = "record_deleted"
	EventRevisionCommitted EventType = "revision_committed"
)

// Event is what the reconciliation layer reports upward. Record is set for
// updates and deletions; Old, New and Reason for committed revisions.
type Event struct {
	Type   EventType
	Record Snapshot
	Old    Snapshot
	New    Snapshot
	Reason string
}

// EventStream is a small pub/sub log. Posters append; each subscriber
// reads everything posted since its previous Get. Events posted while
// nobody is subscribed are dropped.
type EventStream struct {
	mu            sync.Mutex
	events        []Event
	lastCompact   time.Time
	subscriptions map[*Subscription]struct{}
}

type Subscription struct {
	stream *EventStream
	// offset into stream.events up to which this subscriber has consumed.
	offset int
	source string
}

func NewEventStream() *EventStream {
	return &EventStream{subscriptions: make(map[*Subscription]struct{})}
}

func (e *EventStream) Subscribe() *Subscription {
	// Remember the caller so a subscriber that never drains is easy to find.
	_, fn, line, _ := runtime.Caller(1)

	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		stream: e,
		offset: len(e.events),
		source: fmt.Sprintf("%s:%d", fn, line),
	}
	e.subscriptions[sub] = struct{}{}
	return sub
}

func (s *Subscription) Unsubscribe() {
	if s.stream == nil {
		return
	}
	s.stream.mu.Lock()
	delete(s.stream.subscriptions, s)
	s.stream.mu.Unlock()
	s.stream = nil
}

func (s *Subscription) String() string {
	return fmt.Sprintf("subscription(%s @%d)", s.source, s.offset)
}

func (e *EventStream) Post(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.subscriptions) > 0 {
		e.events = append(e.events, ev)
	}
}

// Get returns the events posted since the previous call.
func (s *Subscription) Get() []Event {
	if s.stream == nil {
		return nil
	}
	e := s.stream
	e.mu.Lock()
	defer e.mu.Unlock()

	events := make([]Event, len(e.events)-s.offset)
	copy(events, e.events[s.offset:])
	s.offset = len(e.events)

	if time.Since(e.lastCompact) > time.Second {
		e.compact()
		e.lastCompact = time.Now()
	}
	return events
}

// compact drops events every subscriber has already seen.
func (e *EventStream) compact() {
	minOffset := len(e.events)
	for sub := range e.subscriptions {
		minOffset = min(minOffset, sub.offset)
	}
	if minOffset == 0 {
		return
	}
	e.events = append([]Event(nil), e.events[minOffset:]...)
	for sub := range e.subscriptions {
		sub.offset -= minOffset
	}
}
