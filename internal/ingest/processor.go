package ingest

import (
	"github.com/NodePath81/lossmon/internal/loss"
	"github.com/NodePath81/lossmon/internal/message"
	"github.com/NodePath81/lossmon/internal/metrics"
	"github.com/NodePath81/lossmon/internal/tracker"
	"github.com/NodePath81/lossmon/internal/util"
)

// Processor runs one datagram through decode, classification and loss
// accounting. It is safe for concurrent use.
type Processor struct {
	tracker *tracker.Tracker
	loss    *loss.Aggregator
	metrics *metrics.Metrics
	logger  util.Logger
}

func NewProcessor(tr *tracker.Tracker, agg *loss.Aggregator, m *metrics.Metrics, logger util.Logger) *Processor {
	return &Processor{
		tracker: tr,
		loss:    agg,
		metrics: m,
		logger:  logger,
	}
}

// Handle decodes payload and applies it. A decode error is returned
// without touching tracker or aggregator state.
func (p *Processor) Handle(payload []byte) (tracker.Result, error) {
	msg, err := message.Decode(payload)
	if err != nil {
		p.metrics.IncDecodeError(message.ErrorKind(err))
		return tracker.Result{}, err
	}
	res := p.tracker.Classify(msg)
	p.metrics.IncClassified(res.Verdict.String())
	switch res.Verdict {
	case tracker.Accept:
		if lost := p.loss.Record(msg, res.PreviousSerialID); lost > 0 {
			p.logger.Debug("serial gap", "device_id", msg.DeviceID, "previous", res.PreviousSerialID, "serial_id", msg.SerialID, "lost", lost)
		}
	case tracker.Restart:
		p.logger.Info("device restart detected", "device_id", msg.DeviceID, "serial_id", msg.SerialID, "timestamp", msg.Timestamp)
	}
	return res, nil
}
