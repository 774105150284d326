package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/oarkflow/netmon"
)

func main() {
	configFlag := flag.String("config", "config.yaml", "Path to YAML or JSON configuration file")
	flag.Parse()
	os.Exit(run(*configFlag, flag.Args()))
}

func run(configPath string, ifaceArgs []string) int {
	cfg, err := netmon.LoadConfig(configPath)
	if err != nil {
		if !os.IsNotExist(err) || len(ifaceArgs) == 0 {
			fmt.Fprintf(os.Stderr, "Failed to load config from %s: %v\n", configPath, err)
			return 1
		}
		// No config file, interfaces on the command line: run on defaults.
		cfg = netmon.DefaultConfig()
	}
	if len(ifaceArgs) > 0 {
		cfg.Interfaces = ifaceArgs
	}
	if len(cfg.Interfaces) == 0 {
		fmt.Fprintln(os.Stderr, "No interfaces to monitor; set them in the config file or pass them as arguments")
		return 1
	}

	if err := netmon.SetupLogging(cfg.LogPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := netmon.WritePIDFile(cfg.PIDFile); err != nil {
		slog.Error("Supervisor: startup refused", slog.String("err", err.Error()))
		return 1
	}
	defer netmon.RemovePIDFile(cfg.PIDFile)

	s := netmon.New(cfg)
	if err := s.Start(); err != nil {
		slog.Error("Supervisor: startup failed", slog.String("err", err.Error()))
		return 1
	}
	if err := s.Run(); err != nil {
		slog.Error("Supervisor: exited with error", slog.String("err", err.Error()))
		return 1
	}
	return 0
}
