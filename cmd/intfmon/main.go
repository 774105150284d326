package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oarkflow/netmon"
)

func main() {
	socketFlag := flag.String("socket", "", "Supervisor socket path (defaults to $NETMON_SOCKET)")
	intervalFlag := flag.Duration("interval", time.Second, "Delay between status reports")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <network-interface>\n", os.Args[0])
		os.Exit(1)
	}
	iface := flag.Arg(0)

	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = os.Getenv("NETMON_SOCKET")
	}
	if socketPath == "" {
		socketPath = "/tmp/netmon.sock"
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	// The supervisor owns operator interrupts; this process only stops on
	// the supervisor's terminate signal.
	signal.Ignore(syscall.SIGINT)
	ctx, cancel := context.WithCancel(context.Background())
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGUSR1)
	go func() {
		<-sigC
		cancel()
	}()

	m := netmon.NewMonitor(iface, socketPath)
	m.Interval = *intervalFlag
	if err := m.Run(ctx); err != nil {
		slog.Error("Monitor: exiting with error",
			slog.String("interface", iface), slog.String("err", err.Error()))
		os.Exit(1)
	}
}
