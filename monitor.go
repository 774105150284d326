package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultSysfsRoot = "/sys/class/net"

// InterfaceStats is one snapshot of an interface's sysfs counters. Missing
// attributes read as zero values; the report is best-effort by design.
type InterfaceStats struct {
	State       string
	CarrierUp   uint64
	CarrierDown uint64
	RxBytes     uint64
	RxDropped   uint64
	RxErrors    uint64
	RxPackets   uint64
	TxBytes     uint64
	TxDropped   uint64
	TxErrors    uint64
	TxPackets   uint64
}

// Monitor is the worker side: it connects to the supervisor socket,
// completes the admission handshake and then pushes one stats report per
// interval until its context is cancelled.
type Monitor struct {
	Iface      string
	SocketPath string
	Interval   time.Duration
	BufferSize int
	SysfsRoot  string

	// Restore brings the interface back up when operstate transitions to
	// down. Swappable so tests never touch real interface flags.
	Restore func(iface string) error

	lastState string
}

func NewMonitor(iface, socketPath string) *Monitor {
	return &Monitor{
		Iface:      iface,
		SocketPath: socketPath,
		Interval:   time.Duration(defaultReportIntervalMS) * time.Millisecond,
		BufferSize: defaultBufferSize,
		SysfsRoot:  defaultSysfsRoot,
		Restore:    RestoreInterface,
	}
}

// Run connects, handshakes and reports until ctx is cancelled or the
// connection breaks. A clean cancellation returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	conn, err := net.Dial("unix", m.SocketPath)
	if err != nil {
		return fmt.Errorf("connect to supervisor socket %s: %w", m.SocketPath, err)
	}
	defer conn.Close()

	if err := writeToken(conn, TokenReady); err != nil {
		return fmt.Errorf("send readiness token: %w", err)
	}
	buf := make([]byte, m.BufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	if reply := trimToken(buf[:n]); reply != TokenBegin {
		return fmt.Errorf("%w: %q", ErrUnexpectedHandshake, reply)
	}
	slog.Info("Monitor: handshake complete", slog.String("interface", m.Iface))

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		report := m.report()
		if len(report) > m.BufferSize {
			report = report[:m.BufferSize]
		}
		if _, err := conn.Write([]byte(report)); err != nil {
			return fmt.Errorf("send report: %w", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("Monitor: shutting down", slog.String("interface", m.Iface))
			return nil
		case <-ticker.C:
		}
	}
}

// report gathers a snapshot, kicks off recovery on an up-to-down transition
// and formats the outgoing blob. Recovery is edge-triggered: while the
// interface stays down after a failed restore it is not retried every tick.
func (m *Monitor) report() string {
	st := m.gatherStats()
	if st.State == "down" && m.lastState != "down" {
		slog.Warn("Monitor: interface is down, attempting to restore",
			slog.String("interface", m.Iface))
		if err := m.Restore(m.Iface); err != nil {
			slog.Error("Monitor: failed to restore interface",
				slog.String("interface", m.Iface), slog.String("err", err.Error()))
		}
		m.lastState = st.State
	} else if st.State != "down" {
		m.lastState = st.State
	}
	return formatReport(m.Iface, st)
}

func (m *Monitor) gatherStats() InterfaceStats {
	return InterfaceStats{
		State:       m.readAttr("operstate"),
		CarrierUp:   m.readCounter("carrier_up_count"),
		CarrierDown: m.readCounter("carrier_down_count"),
		RxBytes:     m.readCounter("statistics/rx_bytes"),
		RxDropped:   m.readCounter("statistics/rx_dropped"),
		RxErrors:    m.readCounter("statistics/rx_errors"),
		RxPackets:   m.readCounter("statistics/rx_packets"),
		TxBytes:     m.readCounter("statistics/tx_bytes"),
		TxDropped:   m.readCounter("statistics/tx_dropped"),
		TxErrors:    m.readCounter("statistics/tx_errors"),
		TxPackets:   m.readCounter("statistics/tx_packets"),
	}
}

func (m *Monitor) readAttr(name string) string {
	data, err := os.ReadFile(filepath.Join(m.SysfsRoot, m.Iface, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (m *Monitor) readCounter(name string) uint64 {
	v, err := strconv.ParseUint(m.readAttr(name), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatReport(iface string, st InterfaceStats) string {
	return fmt.Sprintf(
		"Interface: %s state: %s up_count: %d down_count: %d\n"+
			"rx_bytes: %d rx_dropped: %d rx_errors: %d rx_packets: %d\n"+
			"tx_bytes: %d tx_dropped: %d tx_errors: %d tx_packets: %d\n",
		iface, st.State, st.CarrierUp, st.CarrierDown,
		st.RxBytes, st.RxDropped, st.RxErrors, st.RxPackets,
		st.TxBytes, st.TxDropped, st.TxErrors, st.TxPackets,
	)
}
