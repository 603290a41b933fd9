// Package catalogue holds the immutable market-data event catalogue and the
// loaders that read it from CSV sources.
package catalogue

import (
	"errors"
	"fmt"
	"sort"
)

// Event is a single market-data record on the synthetic timeline.
// events are immutable once the catalogue is built.
type Event struct {
	ID        int     `json:"id"`
	Timestamp int64   `json:"timestamp"` // milliseconds on the market timeline
	Type      string  `json:"event"`
	Price1    float64 `json:"price1"`
	Shares1   int     `json:"shares1"`
	Xchg1     string  `json:"xchg1"`
	Price2    float64 `json:"price2"`
	Shares2   int     `json:"shares2"`
	Xchg2     string  `json:"xchg2"`
}

// ErrEmpty indicates the source produced no events.
var ErrEmpty = errors.New("catalogue is empty")

// ErrUnknownEvent indicates an event id not present in the catalogue.
var ErrUnknownEvent = errors.New("unknown event id")

// Catalogue is an immutable, timestamp-ordered collection of events.
// safe for concurrent readers without locking.
type Catalogue struct {
	events []Event
}

// Build materializes a catalogue from raw rows: stable-sorts by timestamp
// and assigns dense ids starting at 1, replacing whatever ids the source
// carried. an empty input is rejected so misconfiguration fails fast.
func Build(rows []Event) (*Catalogue, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}

	events := make([]Event, len(rows))
	copy(events, rows)

	for i := range events {
		if events[i].Timestamp < 0 {
			return nil, fmt.Errorf("row %d: negative timestamp %d", i+1, events[i].Timestamp)
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	for i := range events {
		events[i].ID = i + 1
	}

	return &Catalogue{events: events}, nil
}

// Size returns the number of events.
func (c *Catalogue) Size() int { return len(c.events) }

// At returns the event at index i, panicking on out-of-range access like a slice.
func (c *Catalogue) At(i int) Event { return c.events[i] }

// FirstTimestamp returns the timestamp of the earliest event.
func (c *Catalogue) FirstTimestamp() int64 { return c.events[0].Timestamp }

// LastTimestamp returns the timestamp of the latest event.
func (c *Catalogue) LastTimestamp() int64 { return c.events[len(c.events)-1].Timestamp }

// IndexByID returns the 0-based index of the event with the given id.
// ids are dense by construction, so the lookup is arithmetic.
func (c *Catalogue) IndexByID(id int) (int, error) {
	if id < 1 || id > len(c.events) {
		return 0, fmt.Errorf("event %d: %w", id, ErrUnknownEvent)
	}
	return id - 1, nil
}

// LowerBoundByTimestamp returns the first index with timestamp >= ts,
// or Size() when every event is earlier.
func (c *Catalogue) LowerBoundByTimestamp(ts int64) int {
	return sort.Search(len(c.events), func(i int) bool { return c.events[i].Timestamp >= ts })
}
