// Package netmon supervises a fixed set of per-interface monitor processes
// and multiplexes the status reports they push over a local Unix domain
// socket. One supervisor spawns the monitors, admits each through a
// two-token handshake, forwards their reports to a display sink, and on a
// termination signal drives the signal -> reap -> close teardown of
// everything it started.
package netmon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// terminateSignal is what workers receive at shutdown; operator interrupts
// stay with the supervisor alone.
const terminateSignal = syscall.SIGUSR1

// WorkerProc is the handle for one spawned interface monitor. Its exit
// status is collected exactly once by the goroutine started at spawn time;
// reapAll only waits for that collection and logs it.
type WorkerProc struct {
	Iface   string
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

func (p *WorkerProc) Pid() int {
	return p.cmd.Process.Pid
}

// Display receives each report exactly as it arrived from the monitor.
type Display interface {
	Show(slotIndex int, report string)
}

type consoleDisplay struct {
	w io.Writer
}

func (d consoleDisplay) Show(slotIndex int, report string) {
	fmt.Fprintf(d.w, "Monitor [%d] - Data received:\n%s\n", slotIndex, report)
}

type eventKind int

const (
	evConnAccepted eventKind = iota
	evAdmitted
	evHandshakeFailed
	evReport
	evPeerClosed
	evReadError
)

// connEvent is the rendezvous unit between the accept/reader goroutines and
// the coordinator loop. The coordinator is the only goroutine that touches
// the registry or the worker handle list, so slot bookkeeping needs no lock.
type connEvent struct {
	kind eventKind
	conn net.Conn
	slot int
	data []byte
	err  error
}

type Supervisor struct {
	cfg        *Config
	configPath string
	display    Display
	ln         net.Listener
	registry   *Registry
	procs      []*WorkerProc
	workerLog  io.Writer
	watcher    *fsnotify.Watcher

	// running is the only state shared with signal delivery; everything
	// else belongs to the coordinator goroutine.
	running      atomic.Bool
	spawned      atomic.Int64
	spawnFails   atomic.Int64
	reaped       atomic.Int64
	rejects      atomic.Int64
	activeConns  atomic.Int64
	events       chan connEvent
	restartEvent chan string
	stopC        chan struct{}
	done         chan struct{}
	startTime    time.Time
}

func New(cfg *Config) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		configPath:   cfg.path,
		display:      consoleDisplay{w: os.Stdout},
		registry:     NewRegistry(cfg.MaxConnections),
		events:       make(chan connEvent, 64),
		restartEvent: make(chan string, 1),
		stopC:        make(chan struct{}, 1),
		done:         make(chan struct{}),
		startTime:    time.Now(),
	}
}

// Start binds the supervisor socket, replacing any stale path left behind by
// a previous run. Failure here is fatal to startup; nothing has been spawned
// yet.
func (s *Supervisor) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", s.cfg.SocketPath, err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind supervisor socket %s: %w", s.cfg.SocketPath, err)
	}
	s.ln = ln
	slog.Info("Supervisor: listening", slog.String("socket", s.cfg.SocketPath))
	return nil
}

// Run spawns the configured monitors and services connection events until a
// termination signal (or Shutdown call) flips the running flag, then drives
// the full teardown. It blocks for the supervisor's whole lifetime.
func (s *Supervisor) Run() error {
	if s.ln == nil {
		if err := s.Start(); err != nil {
			return err
		}
	}
	if w, err := newWorkerLogWriter(s.cfg.WorkerLogPath); err != nil {
		slog.Warn("Supervisor: worker log unavailable, using stderr", slog.String("err", err.Error()))
		s.workerLog = os.Stderr
	} else {
		s.workerLog = w
	}

	s.running.Store(true)
	s.spawnAll(s.cfg.Interfaces)

	go s.acceptLoop()
	if s.cfg.MetricsPort != "" {
		go s.startMetricsServer()
	}
	if s.cfg.EnableRestart && s.configPath != "" {
		if err := s.watchConfig(); err != nil {
			slog.Warn("Supervisor: config watch disabled", slog.String("err", err.Error()))
		}
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)

	for s.running.Load() {
		select {
		case sig := <-sigC:
			if s.running.CompareAndSwap(true, false) {
				slog.Info("Supervisor: shutdown signal received", slog.String("signal", sig.String()))
			} else {
				slog.Info("Supervisor: shutdown already in progress", slog.String("signal", sig.String()))
			}
		case <-s.stopC:
			// Flag already flipped by Shutdown; loop condition exits.
		case reason := <-s.restartEvent:
			s.restartWorkers(reason)
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
	return s.shutdown()
}

// Shutdown requests the same orderly teardown a termination signal would.
// Safe to call more than once; only the first call starts the sequence.
func (s *Supervisor) Shutdown() {
	if s.running.CompareAndSwap(true, false) {
		slog.Info("Supervisor: shutdown requested")
	}
	select {
	case s.stopC <- struct{}{}:
	default:
	}
}

// QueueRestart schedules a terminate/reap/respawn cycle of the worker set.
// Coalesces with any restart already queued.
func (s *Supervisor) QueueRestart(reason string) {
	if !s.cfg.EnableRestart {
		slog.Info("Supervisor: restart disabled; ignoring restart event", slog.String("reason", reason))
		return
	}
	select {
	case <-s.done:
	case s.restartEvent <- reason:
	default:
	}
}

// Workers reports how many monitor processes were spawned and not yet reaped.
func (s *Supervisor) Workers() int {
	return int(s.spawned.Load() - s.reaped.Load())
}

// ActiveConnections reports the number of admitted monitor connections.
func (s *Supervisor) ActiveConnections() int {
	return int(s.activeConns.Load())
}

func (s *Supervisor) spawnAll(ifaces []string) {
	for _, iface := range ifaces {
		p, err := s.spawn(iface)
		if err != nil {
			spawnFailureCounter.Inc()
			s.spawnFails.Add(1)
			slog.Error("Supervisor: failed to spawn monitor",
				slog.String("interface", iface), slog.String("err", err.Error()))
			continue
		}
		s.procs = append(s.procs, p)
		s.spawned.Add(1)
		workersSpawnedCounter.Inc()
		slog.Info("Supervisor: spawned monitor",
			slog.String("interface", iface), slog.Int("pid", p.Pid()))
	}
}

// spawn starts one monitor process with the interface name as its only
// argument. The socket path travels via the environment so the handshake
// contract stays a single argv entry.
func (s *Supervisor) spawn(iface string) (*WorkerProc, error) {
	bin := s.cfg.WorkerBinary
	if abs, err := filepath.Abs(bin); err == nil {
		bin = abs
	}
	cmd := exec.Command(bin, iface)
	cmd.Env = append(os.Environ(), "NETMON_SOCKET="+s.cfg.SocketPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Stdout = s.workerLog
	cmd.Stderr = s.workerLog
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s %s: %w", bin, iface, err)
	}
	p := &WorkerProc{Iface: iface, cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (s *Supervisor) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			slog.Error("Supervisor: accept error", slog.String("err", err.Error()))
			continue
		}
		if !s.send(connEvent{kind: evConnAccepted, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

// send hands an event to the coordinator, giving up once teardown has begun.
func (s *Supervisor) send(ev connEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) dispatch(ev connEvent) {
	switch ev.kind {
	case evConnAccepted:
		slot, err := s.registry.Reserve(ev.conn)
		if err != nil {
			s.rejects.Add(1)
			rejectCounter.Inc()
			slog.Warn("Registry: rejecting connection, capacity reached",
				slog.Int("capacity", s.cfg.MaxConnections))
			_ = ev.conn.Close()
			return
		}
		go s.runHandshake(slot.Index, ev.conn)
	case evAdmitted:
		s.registry.Activate(ev.slot)
		s.activeConns.Store(int64(s.registry.ActiveCount()))
		activeConnsGauge.Set(float64(s.registry.ActiveCount()))
		slog.Info("Registry: monitor admitted", slog.Int("slot", ev.slot))
		go s.readLoop(ev.slot, ev.conn)
	case evHandshakeFailed:
		s.rejects.Add(1)
		rejectCounter.Inc()
		slog.Warn("Registry: handshake failed, closing connection",
			slog.Int("slot", ev.slot), slog.String("err", ev.err.Error()))
		s.releaseSlot(ev.slot)
	case evReport:
		reportsCounter.Inc()
		s.display.Show(ev.slot, string(ev.data))
	case evPeerClosed:
		slog.Info("Registry: monitor closed its connection", slog.Int("slot", ev.slot))
		s.releaseSlot(ev.slot)
	case evReadError:
		slog.Error("Registry: read error on monitor connection",
			slog.Int("slot", ev.slot), slog.String("err", ev.err.Error()))
		s.releaseSlot(ev.slot)
	}
}

func (s *Supervisor) releaseSlot(index int) {
	s.registry.Release(index)
	s.activeConns.Store(int64(s.registry.ActiveCount()))
	activeConnsGauge.Set(float64(s.registry.ActiveCount()))
}

func (s *Supervisor) runHandshake(slot int, conn net.Conn) {
	if err := handshake(conn, s.cfg.BufferSize, s.cfg.HandshakeTimeout()); err != nil {
		s.send(connEvent{kind: evHandshakeFailed, slot: slot, conn: conn, err: err})
		return
	}
	s.send(connEvent{kind: evAdmitted, slot: slot, conn: conn})
}

// readLoop streams one admitted connection back to the coordinator. A
// positive read is a complete report; EOF means the monitor closed its side.
func (s *Supervisor) readLoop(slot int, conn net.Conn) {
	buf := make([]byte, s.cfg.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.send(connEvent{kind: evReport, slot: slot, data: data}) {
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.send(connEvent{kind: evPeerClosed, slot: slot})
			case errors.Is(err, net.ErrClosed):
				// Slot was closed from our side; nothing to report.
			default:
				s.send(connEvent{kind: evReadError, slot: slot, err: err})
			}
			return
		}
	}
}

// terminateAll signals every live worker handle. A worker that already
// exited makes the kill fail; that is logged and skipped, never escalated.
func (s *Supervisor) terminateAll() {
	for _, p := range s.procs {
		if err := syscall.Kill(p.Pid(), terminateSignal); err != nil {
			slog.Warn("Supervisor: failed to signal worker",
				slog.Int("pid", p.Pid()), slog.String("err", err.Error()))
		}
	}
}

// reapAll blocks until every spawned worker has been collected. There is no
// timeout: a worker that ignores the terminate signal blocks shutdown
// indefinitely, by design.
func (s *Supervisor) reapAll() {
	for _, p := range s.procs {
		<-p.exited
		s.reaped.Add(1)
		workersReapedCounter.Inc()
		if p.waitErr != nil {
			slog.Warn("Supervisor: worker exited with error",
				slog.Int("pid", p.Pid()), slog.String("interface", p.Iface),
				slog.String("err", p.waitErr.Error()))
		} else {
			slog.Info("Supervisor: worker exited",
				slog.Int("pid", p.Pid()), slog.String("interface", p.Iface))
		}
	}
	s.procs = s.procs[:0]
}

// restartWorkers tears the current worker set down and respawns it, picking
// up a freshly loaded interface list when the config file still parses.
func (s *Supervisor) restartWorkers(reason string) {
	restartCounter.WithLabelValues(reason).Inc()
	slog.Info("Supervisor: restarting workers", slog.String("reason", reason))
	s.terminateAll()
	s.reapAll()
	s.drainPending()
	ifaces := s.cfg.Interfaces
	if s.configPath != "" {
		if fresh, err := LoadConfig(s.configPath); err != nil {
			slog.Warn("Supervisor: reload failed, keeping previous interface list",
				slog.String("err", err.Error()))
		} else {
			s.cfg.Interfaces = fresh.Interfaces
			ifaces = fresh.Interfaces
		}
	}
	s.spawnAll(ifaces)
}

// drainPending applies queued connection events so slots freed by workers
// that just exited are released before their replacements connect.
func (s *Supervisor) drainPending() {
	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
		default:
			return
		}
	}
}

// shutdown is the terminal sequence: signal workers, stop the helper
// goroutines, drain every worker handle, then close connections, listener
// and socket path. Each step is best-effort; the sequence always completes.
func (s *Supervisor) shutdown() error {
	slog.Info("Supervisor: shutting down")
	s.terminateAll()
	close(s.done)
	s.reapAll()
	if n := s.registry.CloseAll(); n > 0 {
		slog.Info("Supervisor: closed monitor connections", slog.Int("count", n))
	}
	s.activeConns.Store(0)
	activeConnsGauge.Set(0)
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Warn("Supervisor: error closing listener", slog.String("err", err.Error()))
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Supervisor: failed to remove socket path",
			slog.String("socket", s.cfg.SocketPath), slog.String("err", err.Error()))
	} else {
		slog.Info("Supervisor: socket path removed", slog.String("socket", s.cfg.SocketPath))
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	slog.Info("Supervisor: shutdown complete")
	return nil
}

// watchConfig watches the config file's directory and queues a worker
// restart when the file itself changes, debounced so editors that write in
// several steps trigger a single restart.
func (s *Supervisor) watchConfig() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(s.configPath)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	s.watcher = watcher
	slog.Info("Supervisor: watching config file", slog.String("file", abs))
	go func() {
		timer := time.NewTimer(debounceDelay)
		if !timer.Stop() {
			<-timer.C
		}
		for {
			select {
			case event := <-watcher.Events:
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					slog.Info("Supervisor: config file event",
						slog.String("file", event.Name), slog.String("op", event.Op.String()))
					timer.Reset(debounceDelay)
				}
			case <-timer.C:
				s.QueueRestart("config")
			case err := <-watcher.Errors:
				slog.Error("Supervisor: watcher error", slog.String("err", err.Error()))
			case <-s.done:
				return
			}
		}
	}()
	return nil
}
