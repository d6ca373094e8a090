package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelpt/pacer/internal/engine"
)

const pidFile = "pacer.pid"

// NewRunCommand starts the limit engine in the foreground and blocks until
// a shutdown signal arrives.
func NewRunCommand(ctx context.Context, eng *engine.Engine) *cobra.Command {
	var pidPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "▶️  Run the limit engine in the foreground",
		Long: `▶️  Run the limit engine in the foreground

Starts the tick loop, the tid/peerlist lookup workers and the notification
dispatcher, writes a PID file, and blocks until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(ctx, eng, pidPath)
		},
	}
	cmd.Flags().StringVarP(&pidPath, "pid-file", "p", pidFile, "PID file location")
	return cmd
}

func runEngine(ctx context.Context, eng *engine.Engine, pidPath string) error {
	if isDaemonRunning(pidPath) {
		return fmt.Errorf("pacer is already running (PID file exists: %s)", pidPath)
	}

	if err := createPIDFile(pidPath); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := eng.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start limit engine: %w", err)
	}

	fmt.Printf("pacer started (pid %d)\n", os.Getpid())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		fmt.Printf("received %s, shutting down...\n", sig)
	case <-runCtx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		return fmt.Errorf("error stopping limit engine: %w", err)
	}

	fmt.Println("pacer stopped")
	return nil
}

// NewDaemonStatusCommand reports whether a pacer process is running.
func NewDaemonStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon-status",
		Short: "Check whether a pacer process is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if isDaemonRunning(pidFile) {
				data, _ := os.ReadFile(pidFile)
				fmt.Printf("✅ running (PID: %s)\n", strings.TrimSpace(string(data)))
				return nil
			}
			fmt.Println("❌ not running")
			return nil
		},
	}
}

// NewDaemonStopCommand sends SIGTERM to a running pacer process.
func NewDaemonStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon-stop",
		Short: "Stop a running pacer process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopDaemon(pidFile)
		},
	}
}

func stopDaemon(pidPath string) error {
	if !isDaemonRunning(pidPath) {
		return fmt.Errorf("pacer is not running")
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid PID in file: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}
	fmt.Printf("sent SIGTERM to pacer (PID: %d)\n", pid)

	for i := 0; i < 10; i++ {
		time.Sleep(1 * time.Second)
		if process.Signal(syscall.Signal(0)) != nil {
			removePIDFile(pidPath)
			fmt.Println("✅ stopped")
			return nil
		}
	}

	fmt.Println("⚠️  not responding, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	removePIDFile(pidPath)
	return nil
}

func isDaemonRunning(pidPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func createPIDFile(pidPath string) error {
	return os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func removePIDFile(pidPath string) {
	os.Remove(pidPath)
}
