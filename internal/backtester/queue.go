package backtester

import (
	"sort"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// BarEvent is one symbol's bar at a point in time.
type BarEvent struct {
	Symbol string
	Bar    types.OHLCV
}

// EventQueue orders bar events by timestamp, then symbol.
type EventQueue struct {
	events []BarEvent
}

// NewEventQueue creates a queue holding every bar in data.
func NewEventQueue(data types.MarketData) *EventQueue {
	q := &EventQueue{}
	for symbol, bars := range data {
		for _, bar := range bars {
			q.events = append(q.events, BarEvent{Symbol: symbol, Bar: bar})
		}
	}
	sort.SliceStable(q.events, func(i, j int) bool { return q.events[i].before(q.events[j]) })
	return q
}

func (e BarEvent) before(other BarEvent) bool {
	if !e.Bar.Timestamp.Equal(other.Bar.Timestamp) {
		return e.Bar.Timestamp.Before(other.Bar.Timestamp)
	}
	return e.Symbol < other.Symbol
}

// PopGroup removes and returns every event sharing the next timestamp.
func (q *EventQueue) PopGroup() []BarEvent {
	if len(q.events) == 0 {
		return nil
	}
	ts := q.events[0].Bar.Timestamp
	n := 1
	for n < len(q.events) && q.events[n].Bar.Timestamp.Equal(ts) {
		n++
	}
	group := q.events[:n:n]
	q.events = q.events[n:]
	return group
}

// Peek returns the next event without removing it.
func (q *EventQueue) Peek() (BarEvent, bool) {
	if len(q.events) == 0 {
		return BarEvent{}, false
	}
	return q.events[0], true
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return len(q.events)
}
