// Package tracker classifies incoming messages against the last known
// sequence position of their device.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/lossmon/internal/message"
)

// Verdict is the outcome of classifying one message.
type Verdict int

const (
	// Accept marks forward progress; the message counts towards loss.
	Accept Verdict = iota
	// Repeat marks a duplicate, stale or ambiguous message.
	Repeat
	// Restart marks a device whose serial id went back while its clock
	// advanced. The entry is rebased but no loss is computed.
	Restart
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Repeat:
		return "repeat"
	case Restart:
		return "restart"
	default:
		return "unknown"
	}
}

// Result carries the verdict and, for Accept, the serial id the message
// should be measured against.
type Result struct {
	Verdict          Verdict
	PreviousSerialID uint64
}

// Accepted reports whether the message should be forwarded to loss
// accounting.
func (r Result) Accepted() bool {
	return r.Verdict == Accept
}

// DeviceState is a point-in-time copy of one device entry.
type DeviceState struct {
	DeviceID  uint64    `json:"device_id"`
	SerialID  uint64    `json:"serial_id"`
	Timestamp uint64    `json:"timestamp"`
	Accepted  uint64    `json:"accepted"`
	Restarts  uint64    `json:"restarts"`
	LastSeen  time.Time `json:"last_seen"`
}

type deviceState struct {
	serialID  uint64
	timestamp uint64
	accepted  uint64
	restarts  uint64
	lastSeen  time.Time
}

// Tracker holds one entry per device ever seen. Entries are never removed.
type Tracker struct {
	mu      sync.Mutex
	devices map[uint64]*deviceState
	now     func() time.Time
}

func New() *Tracker {
	return &Tracker{
		devices: make(map[uint64]*deviceState),
		now:     time.Now,
	}
}

// Classify compares m with its device's entry and updates the entry on
// forward progress or on a detected restart. Repeats leave it untouched.
func (t *Tracker) Classify(m message.Message) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.devices[m.DeviceID]
	if !ok {
		t.devices[m.DeviceID] = &deviceState{
			serialID:  m.SerialID,
			timestamp: m.Timestamp,
			accepted:  1,
			lastSeen:  t.now(),
		}
		return Result{Verdict: Accept, PreviousSerialID: m.SerialID}
	}

	switch {
	case e.serialID < m.SerialID && e.timestamp <= m.Timestamp:
		prev := e.serialID
		e.serialID = m.SerialID
		e.timestamp = m.Timestamp
		e.accepted++
		e.lastSeen = t.now()
		return Result{Verdict: Accept, PreviousSerialID: prev}
	case e.serialID >= m.SerialID && e.timestamp < m.Timestamp:
		e.serialID = m.SerialID
		e.timestamp = m.Timestamp
		e.restarts++
		e.lastSeen = t.now()
		return Result{Verdict: Restart}
	default:
		return Result{Verdict: Repeat}
	}
}

// Len returns the number of devices seen so far.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// Device returns a copy of the entry for id.
func (t *Tracker) Device(id uint64) (DeviceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.devices[id]
	if !ok {
		return DeviceState{}, false
	}
	return e.snapshot(id), true
}

// Devices returns copies of all entries ordered by device id.
func (t *Tracker) Devices() []DeviceState {
	t.mu.Lock()
	out := make([]DeviceState, 0, len(t.devices))
	for id, e := range t.devices {
		out = append(out, e.snapshot(id))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

func (e *deviceState) snapshot(id uint64) DeviceState {
	return DeviceState{
		DeviceID:  id,
		SerialID:  e.serialID,
		Timestamp: e.timestamp,
		Accepted:  e.accepted,
		Restarts:  e.restarts,
		LastSeen:  e.lastSeen,
	}
}
