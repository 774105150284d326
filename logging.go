package netmon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/natefinch/lumberjack"
)

// SetupLogging routes slog output to stdout and a size-rotated log file.
func SetupLogging(logPath string) error {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create log dir %s: %w", dir, err)
	}
	fileLogger := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, fileLogger)
	handler := slog.NewTextHandler(mw, &slog.HandlerOptions{AddSource: false})
	slog.SetDefault(slog.New(handler))
	return nil
}

func newWorkerLogWriter(logPath string) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("could not create worker log dir: %w", err)
	}
	workerLogger := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	return io.MultiWriter(os.Stderr, workerLogger), nil
}

// WritePIDFile refuses to start over a live PID file from another instance.
func WritePIDFile(pidFile string) error {
	if _, err := os.Stat(pidFile); err == nil {
		return fmt.Errorf("PID file %s already exists; another instance may be running", pidFile)
	}
	pid := os.Getpid()
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func RemovePIDFile(pidFile string) {
	_ = os.Remove(pidFile)
}
