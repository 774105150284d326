package netmon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		SocketPath:         filepath.Join(dir, "netmon.sock"),
		WorkerBinary:       filepath.Join(dir, "missing-worker"),
		MaxConnections:     2,
		BufferSize:         256,
		ReportIntervalMS:   100,
		HandshakeTimeoutMS: 2000,
		LogPath:            filepath.Join(dir, "log", "supervisor.log"),
		WorkerLogPath:      filepath.Join(dir, "log", "workers.log"),
		PIDFile:            filepath.Join(dir, "netmon.pid"),
		// MetricsPort left empty so tests do not bind a port.
	}
}

// writeWorkerScript produces a stand-in worker binary: it idles until the
// supervisor's terminate signal and then exits cleanly.
func writeWorkerScript(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fakeworker.sh")
	content := "#!/bin/sh\ntrap 'exit 0' USR1\nwhile true; do sleep 0.2; done\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatalf("write worker script: %v", err)
	}
	return script
}

type captureDisplay struct {
	mu      sync.Mutex
	reports []string
}

func (d *captureDisplay) Show(slotIndex int, report string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reports = append(d.reports, report)
}

func (d *captureDisplay) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.reports...)
}

func startSupervisor(t *testing.T, cfg *Config, display Display) (*Supervisor, chan error) {
	t.Helper()
	s := New(cfg)
	if display != nil {
		s.display = display
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run() }()
	return s, runErr
}

func waitRun(t *testing.T, runErr chan error) {
	t.Helper()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpawnTerminateReap(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerBinary = writeWorkerScript(t)
	cfg.Interfaces = []string{"eth0", "eth1"}

	s, runErr := startSupervisor(t, cfg, nil)
	waitFor(t, 5*time.Second, "both workers to spawn", func() bool {
		return s.Workers() == 2
	})

	s.Shutdown()
	waitRun(t, runErr)

	if got := s.reaped.Load(); got != 2 {
		t.Errorf("reaped %d workers, want 2", got)
	}
	if s.Workers() != 0 {
		t.Errorf("Workers() = %d after shutdown, want 0", s.Workers())
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket path %s still present after shutdown", cfg.SocketPath)
	}
}

func TestSpawnFailureDoesNotAbort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Interfaces = []string{"eth0"}
	// WorkerBinary points at a path that does not exist.

	s, runErr := startSupervisor(t, cfg, nil)
	waitFor(t, 5*time.Second, "spawn failure to be recorded", func() bool {
		return s.spawnFails.Load() == 1
	})
	if s.Workers() != 0 {
		t.Errorf("Workers() = %d, want 0", s.Workers())
	}

	s.Shutdown()
	waitRun(t, runErr)
	if got := s.reaped.Load(); got != 0 {
		t.Errorf("reaped %d workers, want 0", got)
	}
}

func TestHandshakeAdmitsAndForwardsReports(t *testing.T) {
	cfg := testConfig(t)
	disp := &captureDisplay{}
	s, runErr := startSupervisor(t, cfg, disp)

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer conn.Close()
	if err := writeToken(conn, TokenReady); err != nil {
		t.Fatalf("send readiness token: %v", err)
	}
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read handshake reply: %v", err)
	}
	if got := trimToken(buf[:n]); got != TokenBegin {
		t.Fatalf("handshake reply = %q, want %q", got, TokenBegin)
	}
	waitFor(t, 2*time.Second, "connection to become active", func() bool {
		return s.ActiveConnections() == 1
	})

	report := "Interface: eth0 state: up up_count: 1 down_count: 0\n"
	if _, err := conn.Write([]byte(report)); err != nil {
		t.Fatalf("send report: %v", err)
	}
	waitFor(t, 2*time.Second, "report to reach the display", func() bool {
		return strings.Join(disp.snapshot(), "") == report
	})

	// Peer-close: exactly one slot removal, supervisor keeps running.
	conn.Close()
	waitFor(t, 2*time.Second, "slot to be released", func() bool {
		return s.ActiveConnections() == 0
	})

	s.Shutdown()
	waitRun(t, runErr)
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	cfg := testConfig(t)
	s, runErr := startSupervisor(t, cfg, nil)

	conn, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello\x00")); err != nil {
		t.Fatalf("send bad token: %v", err)
	}

	buf := make([]byte, 64)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("rejected peer received %q, want closed connection", buf[:n])
	}
	waitFor(t, 2*time.Second, "rejection to be recorded", func() bool {
		return s.rejects.Load() == 1
	})
	if s.ActiveConnections() != 0 {
		t.Errorf("ActiveConnections = %d after bad handshake, want 0", s.ActiveConnections())
	}

	s.Shutdown()
	waitRun(t, runErr)
}

func TestCapacityOverflowIsRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	s, runErr := startSupervisor(t, cfg, nil)

	first, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer first.Close()
	if err := writeToken(first, TokenReady); err != nil {
		t.Fatalf("first handshake write: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := first.Read(buf); err != nil {
		t.Fatalf("first handshake reply: %v", err)
	}
	waitFor(t, 2*time.Second, "first connection to become active", func() bool {
		return s.ActiveConnections() == 1
	})

	second, err := net.Dial("unix", cfg.SocketPath)
	if err != nil {
		t.Fatalf("dial supervisor: %v", err)
	}
	defer second.Close()
	_, _ = second.Write([]byte(TokenReady + "\x00")) // may already be closed
	if n, err := second.Read(buf); err == nil {
		t.Fatalf("overflow peer received %q, want closed connection", buf[:n])
	}
	waitFor(t, 2*time.Second, "overflow rejection to be recorded", func() bool {
		return s.rejects.Load() >= 1
	})
	if s.ActiveConnections() != 1 {
		t.Errorf("ActiveConnections = %d, want 1", s.ActiveConnections())
	}

	s.Shutdown()
	waitRun(t, runErr)
}

func TestDoubleShutdownIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerBinary = writeWorkerScript(t)
	cfg.Interfaces = []string{"eth0"}

	s, runErr := startSupervisor(t, cfg, nil)
	waitFor(t, 5*time.Second, "worker to spawn", func() bool {
		return s.Workers() == 1
	})

	s.Shutdown()
	s.Shutdown()
	waitRun(t, runErr)
	s.Shutdown() // after exit: still a no-op

	if got := s.reaped.Load(); got != 1 {
		t.Errorf("reaped %d workers, want exactly 1", got)
	}
}

func TestManualRestartRespawnsWorkers(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerBinary = writeWorkerScript(t)
	cfg.Interfaces = []string{"eth0"}
	cfg.EnableRestart = true

	s, runErr := startSupervisor(t, cfg, nil)
	waitFor(t, 5*time.Second, "worker to spawn", func() bool {
		return s.spawned.Load() == 1
	})

	s.QueueRestart("manual")
	waitFor(t, 5*time.Second, "worker to be respawned", func() bool {
		return s.spawned.Load() == 2
	})
	waitFor(t, 2*time.Second, "exactly one live worker", func() bool {
		return s.Workers() == 1
	})

	s.Shutdown()
	waitRun(t, runErr)
	if got := s.reaped.Load(); got != 2 {
		t.Errorf("reaped %d workers, want 2", got)
	}
}

func TestQueueRestartDisabled(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg)
	s.QueueRestart("manual")
	select {
	case reason := <-s.restartEvent:
		t.Fatalf("restart %q queued despite restarts being disabled", reason)
	default:
	}
}

// Full scenario: two workers spawn, two monitor peers connect and report,
// a termination request reaps everything and removes the socket path.
func TestFullLifecycleScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.WorkerBinary = writeWorkerScript(t)
	cfg.Interfaces = []string{"eth0", "eth1"}
	disp := &captureDisplay{}
	s, runErr := startSupervisor(t, cfg, disp)

	waitFor(t, 5*time.Second, "both workers to spawn", func() bool {
		return s.Workers() == 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monErr := make(chan error, 2)
	for _, iface := range []string{"eth0", "eth1"} {
		m := NewMonitor(iface, cfg.SocketPath)
		m.Interval = 20 * time.Millisecond
		m.SysfsRoot = fakeSysfs(t, iface, "up")
		m.Restore = func(string) error { return nil }
		go func() { monErr <- m.Run(ctx) }()
	}

	waitFor(t, 2*time.Second, "both monitors to be admitted", func() bool {
		return s.ActiveConnections() == 2
	})
	waitFor(t, 2*time.Second, "reports from both interfaces", func() bool {
		var eth0, eth1 bool
		for _, r := range disp.snapshot() {
			if strings.Contains(r, "Interface: eth0 state: up") {
				eth0 = true
			}
			if strings.Contains(r, "Interface: eth1 state: up") {
				eth1 = true
			}
		}
		return eth0 && eth1
	})

	cancel()
	for i := 0; i < 2; i++ {
		if err := <-monErr; err != nil {
			t.Errorf("monitor returned %v, want nil", err)
		}
	}
	waitFor(t, 2*time.Second, "all slots released", func() bool {
		return s.ActiveConnections() == 0
	})

	s.Shutdown()
	waitRun(t, runErr)
	if got := s.reaped.Load(); got != 2 {
		t.Errorf("reaped %d workers, want 2", got)
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket path %s still present after shutdown", cfg.SocketPath)
	}
}
