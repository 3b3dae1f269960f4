package drt

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"p2p-drt/internal/proto"
)

type RegistrationState int

const (
	RegistrationPending RegistrationState = iota
	RegistrationRegistered
	RegistrationUnregistered
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationPending:
		return "pending"
	case RegistrationRegistered:
		return "registered"
	case RegistrationUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// Registration is a key this node publishes on behalf of the application.
type Registration struct {
	ID      uuid.UUID
	Key     Key
	AppData []byte
	// KeyContext is handed to the security provider, e.g. a certificate
	// chain to present for this key.
	KeyContext []byte
	Created    time.Time

	mu    sync.Mutex
	state RegistrationState
}

func (r *Registration) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registration) setState(s RegistrationState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == s || r.state == RegistrationUnregistered {
		return false
	}
	r.state = s
	return true
}

type regTable struct {
	mu    sync.RWMutex
	byKey map[Key]*Registration
}

func newRegTable() *regTable { return &regTable{byKey: make(map[Key]*Registration)} }

func (t *regTable) add(r *Registration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byKey[r.Key]; ok {
		return ErrKeyExists
	}
	t.byKey[r.Key] = r
	return nil
}

func (t *regTable) remove(k Key) (*Registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byKey[k]
	if ok {
		delete(t.byKey, k)
	}
	return r, ok
}

func (t *regTable) get(k Key) (*Registration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byKey[k]
	return r, ok
}

func (t *regTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}

// all returns registrations in key order.
func (t *regTable) all() []*Registration {
	t.mu.RLock()
	out := make([]*Registration, 0, len(t.byKey))
	for _, r := range t.byKey {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// match selects local registrations for a find query. Exact and range
// return every hit in key order; nearest returns the closest limit keys.
func (t *regTable) match(q findQuery) []*Registration {
	all := t.all()
	var out []*Registration
	switch q.Mode {
	case proto.FindExact:
		for _, r := range all {
			if r.Key == q.Target {
				out = append(out, r)
			}
		}
	case proto.FindRange:
		for _, r := range all {
			if InRange(r.Key, q.Min, q.Max) {
				out = append(out, r)
			}
		}
	case proto.FindNearest:
		out = all
		sort.SliceStable(out, func(i, j int) bool { return Closer(q.Target, out[i].Key, out[j].Key) })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
