// Package report periodically samples the loss totals and hands each
// sample to a set of sinks.
package report

import (
	"context"
	"time"

	"github.com/NodePath81/lossmon/internal/loss"
	"github.com/NodePath81/lossmon/internal/util"
)

// Snapshot is one report tick.
type Snapshot struct {
	NodeID   string    `json:"node_id"`
	Time     time.Time `json:"time"`
	Received uint64    `json:"received"`
	Lost     uint64    `json:"lost"`
	Devices  int       `json:"devices"`
}

type Sink interface {
	Record(ctx context.Context, snap Snapshot) error
}

type TotalsSource interface {
	Totals() loss.Totals
}

type DeviceCounter interface {
	Len() int
}

type Reporter struct {
	interval time.Duration
	nodeID   string
	totals   TotalsSource
	devices  DeviceCounter
	sinks    []Sink
	logger   util.Logger
	now      func() time.Time
}

func NewReporter(interval time.Duration, nodeID string, totals TotalsSource, devices DeviceCounter, logger util.Logger, sinks ...Sink) *Reporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reporter{
		interval: interval,
		nodeID:   nodeID,
		totals:   totals,
		devices:  devices,
		sinks:    sinks,
		logger:   logger,
		now:      time.Now,
	}
}

// Snapshot samples the current totals without emitting them.
func (r *Reporter) Snapshot() Snapshot {
	t := r.totals.Totals()
	return Snapshot{
		NodeID:   r.nodeID,
		Time:     r.now(),
		Received: t.Received,
		Lost:     t.Lost,
		Devices:  r.devices.Len(),
	}
}

// Emit logs one snapshot and passes it to every sink. A failing sink is
// logged and skipped.
func (r *Reporter) Emit(ctx context.Context) Snapshot {
	snap := r.Snapshot()
	r.logger.Info("report", "received", snap.Received, "lost", snap.Lost, "devices", snap.Devices)
	for _, sink := range r.sinks {
		if err := sink.Record(ctx, snap); err != nil {
			r.logger.Warn("report sink failed", "error", err)
		}
	}
	return snap
}

// Run emits a snapshot every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Emit(ctx)
		}
	}
}
