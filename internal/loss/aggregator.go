// Package loss keeps the process-wide received and lost message counters.
package loss

import (
	"sync"

	"github.com/NodePath81/lossmon/internal/message"
)

// Totals is a consistent view of both counters.
type Totals struct {
	Received uint64 `json:"received"`
	Lost     uint64 `json:"lost"`
}

type Aggregator struct {
	mu     sync.Mutex
	totals Totals
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record accounts for an accepted message measured against previous and
// returns the number of messages it adds to the lost count.
func (a *Aggregator) Record(m message.Message, previous uint64) uint64 {
	lost := Gap(previous, m.SerialID)
	a.mu.Lock()
	a.totals.Received++
	a.totals.Lost += lost
	a.mu.Unlock()
	return lost
}

// Totals returns both counters as of the call.
func (a *Aggregator) Totals() Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totals
}

// Gap returns max(1, current-previous) - 1: the number of serial ids
// skipped between two accepted messages.
func Gap(previous, current uint64) uint64 {
	if current <= previous {
		return 0
	}
	return current - previous - 1
}
