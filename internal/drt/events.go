package drt

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

type EventType int

const (
	EventStatusChanged EventType = iota + 1
	EventLeafsetKeyChanged
	EventRegistrationStateChanged
)

func (t EventType) String() string {
	switch t {
	case EventStatusChanged:
		return "status_changed"
	case EventLeafsetKeyChanged:
		return "leafset_key_changed"
	case EventRegistrationStateChanged:
		return "registration_state_changed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

type Status int

const (
	StatusNone Status = iota
	StatusActive
	StatusAlone
	StatusNoNetwork
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusAlone:
		return "alone"
	case StatusNoNetwork:
		return "no_network"
	case StatusFaulted:
		return "faulted"
	default:
		return "none"
	}
}

type LeafsetChange int

const (
	LeafsetAdded LeafsetChange = iota + 1
	LeafsetDeleted
)

func (c LeafsetChange) String() string {
	if c == LeafsetAdded {
		return "added"
	}
	return "deleted"
}

// Event is a tagged union; which fields are set depends on Type.
type Event struct {
	Type EventType

	// StatusChanged
	Status Status
	Err    error

	// LeafsetKeyChanged
	Change LeafsetChange
	Key    Key
	Addr   netip.AddrPort

	// RegistrationStateChanged
	RegistrationID uuid.UUID
	RegState       RegistrationState
}

func (e Event) String() string {
	switch e.Type {
	case EventStatusChanged:
		if e.Err != nil {
			return fmt.Sprintf("status %s (%v)", e.Status, e.Err)
		}
		return "status " + e.Status.String()
	case EventLeafsetKeyChanged:
		return fmt.Sprintf("leafset %s %s @ %s", e.Change, e.Key.Hex()[:16], e.Addr)
	case EventRegistrationStateChanged:
		return fmt.Sprintf("registration %s %s %s", e.RegistrationID, e.Key.Hex()[:16], e.RegState)
	default:
		return e.Type.String()
	}
}

const DefaultEventQueueSize = 1024

// eventQueue is an unbounded-producer, bounded-storage FIFO. When full
// the oldest event is dropped.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	max     int
	dropped uint64
	signal  chan struct{}
}

func newEventQueue(max int) *eventQueue {
	if max <= 0 {
		max = DefaultEventQueueSize
	}
	return &eventQueue{max: max, signal: make(chan struct{}, 1)}
}

// push reports whether an older event had to be dropped.
func (q *eventQueue) push(e Event) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
