package metrics

import (
	"net/http"

	"github.com/NodePath81/lossmon/internal/loss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lossmon"

const (
	DropQueueFull = "queue_full"
	DropOversize  = "oversize"
)

var (
	decodeErrorKinds = []string{"malformed", "missing_field", "overflow", "sign_domain"}
	verdicts         = []string{"accept", "repeat", "restart"}
	dropReasons      = []string{DropQueueFull, DropOversize}
)

type TotalsSource interface {
	Totals() loss.Totals
}

type DeviceCounter interface {
	Len() int
}

type Metrics struct {
	registry      *prometheus.Registry
	datagrams     prometheus.Counter
	dropped       *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	classified    *prometheus.CounterVec
	statusClients prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Datagrams read from the ingest socket.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Datagrams dropped before decoding.",
		}, []string{"reason"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams rejected by the message decoder.",
		}, []string{"kind"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_classified_total",
			Help:      "Decoded messages by tracker verdict.",
		}, []string{"verdict"}),
		statusClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_clients",
			Help:      "Connected status stream clients.",
		}),
	}
	for _, kind := range decodeErrorKinds {
		m.decodeErrors.WithLabelValues(kind)
	}
	for _, verdict := range verdicts {
		m.classified.WithLabelValues(verdict)
	}
	for _, reason := range dropReasons {
		m.dropped.WithLabelValues(reason)
	}
	m.registry.MustRegister(
		m.datagrams,
		m.dropped,
		m.decodeErrors,
		m.classified,
		m.statusClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterTotals exposes the aggregator counters and the tracked device
// count. It must be called at most once per Metrics.
func (m *Metrics) RegisterTotals(totals TotalsSource, devices DeviceCounter) error {
	received := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Messages accepted as forward progress.",
	}, func() float64 {
		return float64(totals.Totals().Received)
	})
	lost := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_lost_total",
		Help:      "Estimated messages lost in transit.",
	}, func() float64 {
		return float64(totals.Totals().Lost)
	})
	tracked := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Distinct devices seen since start.",
	}, func() float64 {
		return float64(devices.Len())
	})
	for _, c := range []prometheus.Collector{received, lost, tracked} {
		if err := m.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncDatagram() {
	m.datagrams.Inc()
}

func (m *Metrics) IncDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncDecodeError(kind string) {
	m.decodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncClassified(verdict string) {
	m.classified.WithLabelValues(verdict).Inc()
}

func (m *Metrics) IncStatusClients() {
	m.statusClients.Inc()
}

func (m *Metrics) DecStatusClients() {
	m.statusClients.Dec()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
