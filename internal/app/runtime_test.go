package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NodePath81/lossmon/internal/config"
	"github.com/NodePath81/lossmon/internal/history"
	"github.com/NodePath81/lossmon/internal/message"
	"github.com/NodePath81/lossmon/internal/util"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, dbPath string) config.Config {
	t.Helper()
	cfg, err := config.ParseConfig([]byte(`
ingest:
  bind_addr: 127.0.0.1
  workers: 1
report:
  interval: 10ms
  history:
    enabled: true
    path: "` + dbPath + `"
control:
  enabled: false
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	cfg.Ingest.BindPort = 0
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRuntimeEndToEnd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reports.db")
	rt, err := NewRuntime(testConfig(t, dbPath), discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	if err := rt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("udp", rt.IngestAddr())
	if err != nil {
		rt.Stop()
		t.Fatalf("dial: %v", err)
	}
	for _, serial := range []uint64{1, 2, 6, 4, 7} {
		payload := message.Marshal(message.Message{DeviceID: 9, SerialID: serial, Timestamp: serial * 100})
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("write: %v", err)
		}
		// Keep arrival order stable.
		time.Sleep(5 * time.Millisecond)
	}
	conn.Close()

	waitFor(t, func() bool { return rt.Totals().Received == 4 })
	if got := rt.Totals(); got.Lost != 3 {
		t.Fatalf("totals %+v, want lost 3", got)
	}
	nodeID := rt.NodeID()
	time.Sleep(50 * time.Millisecond)
	rt.Stop()

	store, err := history.Open(dbPath, 0)
	if err != nil {
		t.Fatalf("reopen history: %v", err)
	}
	defer store.Close()
	rows, err := store.Recent(context.Background(), 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(rows) != 1 || rows[0].NodeID != nodeID || rows[0].Received != 4 || rows[0].Lost != 3 {
		t.Fatalf("unexpected history rows: %+v", rows)
	}
}

func TestSupervisorRestartResetsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := []byte(`
ingest:
  bind_addr: 127.0.0.1
  bind_port: 39411
report:
  interval: 50ms
control:
  enabled: false
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	sup := NewSupervisor(path, discardLogger())
	if err := sup.Start(); err != nil {
		t.Skipf("port unavailable: %v", err)
	}
	defer sup.Stop()

	first := sup.Runtime()
	conn, err := net.Dial("udp", first.IngestAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write(message.Marshal(message.Message{DeviceID: 1, SerialID: 1, Timestamp: 1}))
	waitFor(t, func() bool { return first.Totals().Received == 1 })

	if err := sup.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	second := sup.Runtime()
	if second == nil || second == first || second.NodeID() == first.NodeID() {
		t.Fatalf("restart did not replace runtime")
	}
	if got := second.Totals(); got.Received != 0 || got.Lost != 0 {
		t.Fatalf("totals carried over: %+v", got)
	}

	sup.Stop()
	if sup.Runtime() != nil {
		t.Fatalf("runtime still set after Stop")
	}
}

func TestSupervisorBadConfig(t *testing.T) {
	sup := NewSupervisor(filepath.Join(t.TempDir(), "missing.yaml"), discardLogger())
	if err := sup.Start(); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func writeSupervisorConfig(t *testing.T, path string, port int, level string) {
	t.Helper()
	raw := fmt.Sprintf(`
log:
  level: %s
ingest:
  bind_addr: 127.0.0.1
  bind_port: %d
report:
  interval: 50ms
control:
  enabled: false
`, level, port)
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestSupervisorRestartAppliesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeSupervisorConfig(t, path, 39412, "info")

	var levels []string
	sup := NewSupervisor(path, discardLogger())
	sup.newLogger = func(level string) util.Logger {
		levels = append(levels, level)
		return discardLogger()
	}
	if err := sup.Start(); err != nil {
		t.Skipf("port unavailable: %v", err)
	}
	defer sup.Stop()

	writeSupervisorConfig(t, path, 39412, "debug")
	if err := sup.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(levels) != 2 || levels[0] != "info" || levels[1] != "debug" {
		t.Fatalf("logger levels = %v, want [info debug]", levels)
	}
}

func TestSupervisorConcurrentRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeSupervisorConfig(t, path, 39413, "info")

	sup := NewSupervisor(path, discardLogger())
	sup.newLogger = func(string) util.Logger { return discardLogger() }
	if err := sup.Start(); err != nil {
		t.Skipf("port unavailable: %v", err)
	}
	defer sup.Stop()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sup.Restart()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Restart: %v", err)
		}
	}
	if sup.Runtime() == nil {
		t.Fatalf("no runtime after concurrent restarts")
	}
}
