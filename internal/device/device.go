// Package device simulates a telemetry device: it sends one encoded
// message per period to a collector over UDP.
package device

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/NodePath81/lossmon/internal/message"
	"github.com/NodePath81/lossmon/internal/util"
)

const (
	measurementStart = 0
	measurementStep  = 16
	measurementLimit = 1 << 20
)

type Config struct {
	DeviceID uint64
	Target   string
	Period   time.Duration
	Echo     bool
	// DropRate is the probability of skipping a send. The serial id is
	// consumed either way so the collector sees a gap.
	DropRate    float64
	Count       uint64
	SerialStart uint64
}

func (c Config) validate() error {
	if c.Target == "" {
		return errors.New("device target must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.Target); err != nil {
		return fmt.Errorf("device target: %w", err)
	}
	if c.Period <= 0 {
		return errors.New("device period must be > 0")
	}
	if c.DropRate < 0 || c.DropRate >= 1 {
		return errors.New("device drop rate must be in [0, 1)")
	}
	return nil
}

// Stats counts what a run produced. Dropped and failed messages still
// consumed a serial id.
type Stats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
}

func (s Stats) total() uint64 {
	return s.Sent + s.Dropped + s.Failed
}

type Device struct {
	cfg         Config
	logger      util.Logger
	rng         *rand.Rand
	clock       func() uint64
	dial        func(network, address string) (net.Conn, error)
	serial      uint64
	measurement int64
	buf         [message.MaxEncodedSize]byte
}

func New(cfg Config, logger util.Logger) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Device{
		cfg:         cfg,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:       monotonicNanos,
		dial:        net.Dial,
		serial:      cfg.SerialStart,
		measurement: measurementStart,
	}, nil
}

// Next builds the next message and advances the serial id.
func (d *Device) Next() message.Message {
	m := message.Message{
		DeviceID:    d.cfg.DeviceID,
		SerialID:    d.serial,
		Timestamp:   d.clock(),
		Measurement: d.step(),
	}
	d.serial++
	return m
}

// step moves the measurement by a bounded random amount.
func (d *Device) step() int64 {
	d.measurement += d.rng.Int63n(2*measurementStep+1) - measurementStep
	if d.measurement > measurementLimit {
		d.measurement = measurementLimit
	} else if d.measurement < -measurementLimit {
		d.measurement = -measurementLimit
	}
	return d.measurement
}

// Run sends until ctx is done or Count messages were produced. A zero
// Count runs forever.
func (d *Device) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	conn, err := d.dial("udp", d.cfg.Target)
	if err != nil {
		return stats, err
	}
	defer conn.Close()
	d.logger.Info("device started", "device_id", d.cfg.DeviceID, "target", conn.RemoteAddr().String(), "period", d.cfg.Period.String())

	ticker := time.NewTicker(d.cfg.Period)
	defer ticker.Stop()
	for {
		msg := d.Next()
		if d.cfg.DropRate > 0 && d.rng.Float64() < d.cfg.DropRate {
			stats.Dropped++
			d.logger.Debug("message dropped", "serial_id", msg.SerialID)
		} else {
			n := message.Encode(d.buf[:], msg)
			if _, err := conn.Write(d.buf[:n]); err != nil {
				// Unreachable collectors surface as ECONNREFUSED on a
				// connected UDP socket; keep sending.
				stats.Failed++
				d.logger.Warn("send failed", "serial_id", msg.SerialID, "error", err)
			} else {
				stats.Sent++
				if d.cfg.Echo {
					d.logger.Info("message sent", "payload", string(d.buf[:n]))
				}
			}
		}
		if d.cfg.Count > 0 && stats.total() >= d.cfg.Count {
			d.logger.Info("device finished", "sent", stats.Sent, "dropped", stats.Dropped, "failed", stats.Failed)
			return stats, nil
		}
		select {
		case <-ctx.Done():
			d.logger.Info("device stopped", "sent", stats.Sent, "dropped", stats.Dropped, "failed", stats.Failed)
			return stats, nil
		case <-ticker.C:
		}
	}
}
