package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NodePath81/lossmon/internal/config"
	"github.com/NodePath81/lossmon/internal/loss"
	"github.com/NodePath81/lossmon/internal/message"
	"github.com/NodePath81/lossmon/internal/metrics"
	"github.com/NodePath81/lossmon/internal/tracker"
	"golang.org/x/net/ipv4"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	tracker   *tracker.Tracker
	loss      *loss.Aggregator
	metrics   *metrics.Metrics
	processor *Processor
}

func newFixture() fixture {
	f := fixture{
		tracker: tracker.New(),
		loss:    loss.NewAggregator(),
		metrics: metrics.NewMetrics(),
	}
	f.processor = NewProcessor(f.tracker, f.loss, f.metrics, discardLogger())
	return f
}

func encode(device, serial, ts uint64) []byte {
	return message.Marshal(message.Message{DeviceID: device, SerialID: serial, Timestamp: ts, Measurement: -1})
}

func TestProcessorSequence(t *testing.T) {
	f := newFixture()

	steps := []struct {
		serial, ts uint64
		verdict    tracker.Verdict
		totals     loss.Totals
	}{
		{5, 100, tracker.Accept, loss.Totals{Received: 1, Lost: 0}},
		{7, 200, tracker.Accept, loss.Totals{Received: 2, Lost: 1}},
		{6, 150, tracker.Repeat, loss.Totals{Received: 2, Lost: 1}},
		{1, 250, tracker.Restart, loss.Totals{Received: 2, Lost: 1}},
		{3, 300, tracker.Accept, loss.Totals{Received: 3, Lost: 2}},
		{4, 310, tracker.Accept, loss.Totals{Received: 4, Lost: 2}},
	}
	for i, step := range steps {
		res, err := f.processor.Handle(encode(1, step.serial, step.ts))
		if err != nil {
			t.Fatalf("step %d: unexpected error %v", i, err)
		}
		if res.Verdict != step.verdict {
			t.Fatalf("step %d: verdict %v, want %v", i, res.Verdict, step.verdict)
		}
		if got := f.loss.Totals(); got != step.totals {
			t.Fatalf("step %d: totals %+v, want %+v", i, got, step.totals)
		}
	}
}

func TestProcessorRejectsWithoutSideEffects(t *testing.T) {
	f := newFixture()
	if _, err := f.processor.Handle(encode(1, 5, 100)); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	bad := [][]byte{
		[]byte(`{"device_id": 1, "serial_id": 99, "timestamp": 1000}`),
		[]byte(`{"device_id": 1, "serial_id": -99, "timestamp": 1000, "measurement": 0}`),
		append(encode(1, 99, 1000), 'x'),
		[]byte(`{"device_id": 1, "serial_id": 99999999999999999999, "timestamp": 1000, "measurement": 0}`),
	}
	for _, payload := range bad {
		if _, err := f.processor.Handle(payload); err == nil {
			t.Fatalf("expected error for %q", payload)
		}
	}
	st, _ := f.tracker.Device(1)
	if st.SerialID != 5 || st.Timestamp != 100 {
		t.Fatalf("rejected datagrams changed state: %+v", st)
	}
	if got := f.loss.Totals(); got != (loss.Totals{Received: 1}) {
		t.Fatalf("rejected datagrams changed totals: %+v", got)
	}
}

func TestProcessorConcurrent(t *testing.T) {
	f := newFixture()
	var wg sync.WaitGroup
	for d := uint64(1); d <= 4; d++ {
		wg.Add(1)
		go func(device uint64) {
			defer wg.Done()
			for s := uint64(1); s <= 200; s += 2 {
				if _, err := f.processor.Handle(encode(device, s, s)); err != nil {
					t.Errorf("device %d serial %d: %v", device, s, err)
					return
				}
			}
		}(d)
	}
	wg.Wait()
	got := f.loss.Totals()
	if got.Received != 400 || got.Lost != 4*99 {
		t.Fatalf("totals %+v, want received 400 lost 396", got)
	}
}

func startListener(t *testing.T, f fixture, cfg config.IngestConfig) (*UDPListener, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	ln := NewUDPListener(cfg, f.processor, f.metrics, discardLogger())
	if err := ln.Start(ctx, &wg); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	return ln, func() {
		cancel()
		_ = ln.Close()
		wg.Wait()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestUDPListenerEndToEnd(t *testing.T) {
	f := newFixture()
	ln, stop := startListener(t, f, config.IngestConfig{
		BindAddr:  "127.0.0.1",
		BindPort:  0,
		Workers:   1,
		QueueSize: 64,
		BatchSize: 4,
	})
	defer stop()

	conn, err := net.DialUDP("udp", nil, ln.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payloads := [][]byte{
		encode(3, 1, 10),
		[]byte("not a message"),
		encode(3, 2, 20),
		encode(3, 5, 50),
		bytes.Repeat([]byte{' '}, message.MaxDatagramSize+10),
	}
	for _, p := range payloads {
		if _, err := conn.Write(p); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	waitFor(t, func() bool {
		return f.loss.Totals().Received == 3
	})
	if got := f.loss.Totals(); got.Lost != 2 {
		t.Fatalf("lost = %d, want 2", got.Lost)
	}
	if f.tracker.Len() != 1 {
		t.Fatalf("devices = %d, want 1", f.tracker.Len())
	}
	waitFor(t, func() bool {
		text := scrape(f.metrics)
		return strings.Contains(text, `lossmon_datagrams_dropped_total{reason="oversize"} 1`) &&
			strings.Contains(text, `lossmon_decode_errors_total{kind="malformed"} 1`) &&
			strings.Contains(text, "lossmon_datagrams_total 5")
	})
}

func scrape(m *metrics.Metrics) string {
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestUDPListenerClose(t *testing.T) {
	f := newFixture()
	ln, stop := startListener(t, f, config.IngestConfig{BindAddr: "127.0.0.1", QueueSize: 1, BatchSize: 1})
	if ln.LocalAddr() == nil {
		t.Fatalf("expected bound address")
	}
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

type failingReader struct {
	calls atomic.Int32
}

func (r *failingReader) ReadBatch(ms []ipv4.Message, flags int) (int, error) {
	r.calls.Add(1)
	return 0, errors.New("socket broken")
}

func TestReadLoopBacksOffOnPersistentError(t *testing.T) {
	f := newFixture()
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	l := NewUDPListener(config.IngestConfig{BatchSize: 4}, f.processor, f.metrics, logger)

	reader := &failingReader{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.readLoop(ctx, reader, make(chan datagram, 1))
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop did not stop after cancel")
	}

	if calls := reader.calls.Load(); calls < 2 || calls > 20 {
		t.Fatalf("ReadBatch called %d times in 200ms, want backoff between attempts", calls)
	}
	if n := strings.Count(logs.String(), "udp read error"); n != 1 {
		t.Fatalf("logged %d read errors, want 1", n)
	}
}
