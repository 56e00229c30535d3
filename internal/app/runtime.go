package app

import (
	"context"
	"sync"
	"time"

	"github.com/NodePath81/lossmon/internal/config"
	"github.com/NodePath81/lossmon/internal/control"
	"github.com/NodePath81/lossmon/internal/history"
	"github.com/NodePath81/lossmon/internal/ingest"
	"github.com/NodePath81/lossmon/internal/loss"
	"github.com/NodePath81/lossmon/internal/metrics"
	"github.com/NodePath81/lossmon/internal/report"
	"github.com/NodePath81/lossmon/internal/tracker"
	"github.com/NodePath81/lossmon/internal/util"
	"github.com/google/uuid"
)

// Runtime owns one lifetime of the collector. Tracker state and totals
// start empty and are discarded on Stop.
type Runtime struct {
	cfg      config.Config
	ctx      context.Context
	cancel   context.CancelFunc
	logger   util.Logger
	nodeID   string
	tracker  *tracker.Tracker
	loss     *loss.Aggregator
	metrics  *metrics.Metrics
	hub      *control.StatusHub
	history  *history.Store
	listener *ingest.UDPListener
	reporter *report.Reporter
	control  *control.ControlServer
	wg       sync.WaitGroup
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	nodeID := uuid.NewString()
	logger = logger.With("node_id", nodeID)

	tr := tracker.New()
	agg := loss.NewAggregator()
	m := metrics.NewMetrics()
	if err := m.RegisterTotals(agg, tr); err != nil {
		cancel()
		return nil, err
	}

	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		nodeID:  nodeID,
		tracker: tr,
		loss:    agg,
		metrics: m,
	}

	var sinks []report.Sink
	if cfg.Control.IsEnabled() && cfg.Control.Status.IsEnabled() {
		rt.hub = control.NewStatusHub(ctx.Done(), m)
		sinks = append(sinks, rt.hub)
	}
	if cfg.Report.History.IsEnabled() {
		store, err := history.Open(cfg.Report.History.Path, cfg.Report.History.RetentionDuration())
		if err != nil {
			cancel()
			return nil, err
		}
		rt.history = store
		sinks = append(sinks, store)
		logger.Info("report history enabled", "path", cfg.Report.History.Path, "retention", cfg.Report.History.RetentionDuration().String())
	}

	processor := ingest.NewProcessor(tr, agg, m, logger)
	rt.listener = ingest.NewUDPListener(cfg.Ingest, processor, m, logger)
	rt.reporter = report.NewReporter(cfg.Report.Interval.Duration(), nodeID, agg, tr, logger, sinks...)

	if cfg.Control.IsEnabled() {
		// A nil *history.Store must not reach the control server as a
		// non-nil interface.
		var hist control.HistorySource
		if rt.history != nil {
			hist = rt.history
		}
		rt.control = control.NewControlServer(cfg, nodeID, tr, agg, hist, m, rt.hub, restartFn, logger)
	}
	return rt, nil
}

func (r *Runtime) Start() error {
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			r.Stop()
			return err
		}
	}
	if err := r.listener.Start(r.ctx, &r.wg); err != nil {
		r.Stop()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.reporter.Run(r.ctx)
	}()
	r.logger.Info("runtime started", "ingest", r.listener.LocalAddr().String())
	return nil
}

func (r *Runtime) Stop() {
	r.cancel()
	if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	r.wg.Wait()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close failed", "error", err)
		}
	}
	totals := r.loss.Totals()
	r.logger.Info("runtime stopped", "received", totals.Received, "lost", totals.Lost, "devices", r.tracker.Len())
}

func (r *Runtime) NodeID() string {
	return r.nodeID
}

// Totals returns the aggregate counters of this lifetime.
func (r *Runtime) Totals() loss.Totals {
	return r.loss.Totals()
}

// IngestAddr returns the bound UDP address, or "" before Start.
func (r *Runtime) IngestAddr() string {
	addr := r.listener.LocalAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}
