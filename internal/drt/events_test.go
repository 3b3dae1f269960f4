package drt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue(4)
	q.push(Event{Type: EventStatusChanged, Status: StatusAlone})
	q.push(Event{Type: EventStatusChanged, Status: StatusActive})

	select {
	case <-q.signal:
	default:
		t.Fatal("expected signal after push")
	}

	e, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, StatusAlone, e.Status)
	e, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, StatusActive, e.Status)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestEventQueue_DropsOldestWhenFull(t *testing.T) {
	q := newEventQueue(2)
	assert.False(t, q.push(Event{Type: EventLeafsetKeyChanged, Key: keyWithLast(1)}))
	assert.False(t, q.push(Event{Type: EventLeafsetKeyChanged, Key: keyWithLast(2)}))
	assert.True(t, q.push(Event{Type: EventLeafsetKeyChanged, Key: keyWithLast(3)}))
	assert.Equal(t, 2, q.len())

	e, _ := q.pop()
	assert.Equal(t, keyWithLast(2), e.Key)
}

func TestEvent_String(t *testing.T) {
	e := Event{Type: EventLeafsetKeyChanged, Change: LeafsetAdded, Key: keyWithLast(1)}
	assert.Contains(t, e.String(), "leafset added")
	assert.Equal(t, "status alone", Event{Type: EventStatusChanged, Status: StatusAlone}.String())
}
