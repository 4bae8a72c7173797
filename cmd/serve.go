package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/chatsync/internal/api"
	"github.com/joescharf/chatsync/internal/daemon"
	"github.com/joescharf/chatsync/internal/output"
)

const stopGrace = 5 * time.Second

// shutdownSignals end a foreground command cleanly.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local REST bridge in the foreground",
	Long: `Serve the synchronized session state over a local REST API.

The bridge keeps one event stream open to the server and exposes sessions,
messages, status and pending requests under /api/v1. By default it listens
on 127.0.0.1:8787. Use --port to change it, or 'chatsync serve start' to run
it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(viper.GetInt("port"))
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the REST bridge in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background REST bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background REST bridge is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 8787, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

// pidFile returns the PID file tracking the background bridge.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "chatsync-serve.pid"))
}

// serveLogPath returns where the background bridge writes its output.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "chatsync-serve.log")
}

func serveRun(port int) error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	pf := pidFile()
	if err := pf.Claim(os.Getpid()); err != nil {
		return fmt.Errorf("chatsync serve: %w", err)
	}
	defer pf.Release(os.Getpid())

	e, closeFn, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	srv := api.NewServer(e, newLLM())
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	ui.Success("Serving API at http://%s/api/v1", httpSrv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	ui.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.Check(); running {
		return fmt.Errorf("chatsync serve is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	port := viper.GetInt("port")
	args := []string{"serve", "--port", strconv.Itoa(port)}
	if cfg := viper.ConfigFileUsed(); cfg != "" {
		args = append(args, "--config", cfg)
	}
	if url := viper.GetString("server.url"); url != "" {
		args = append(args, "--server", url)
	}
	dir, err := workDir()
	if err != nil {
		return err
	}
	args = append(args, "--dir", dir)

	if dryRun {
		ui.DryRunMsg("Would start %s %v", exe, args)
		return nil
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = backgroundAttrs()
	if err := child.Start(); err != nil {
		return fmt.Errorf("start serve: %w", err)
	}
	if err := pf.Claim(child.Process.Pid); err != nil {
		_ = child.Process.Kill()
		return err
	}
	_ = child.Process.Release()

	ui.Success("Started chatsync serve (PID %d) on port %d", child.Process.Pid, port)
	ui.Info("Logs: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	if dryRun {
		if pid, running := pf.IsRunning(); running {
			ui.DryRunMsg("Would stop chatsync serve (PID %d)", pid)
			return nil
		}
	}
	pid, err := pf.Stop(stopGrace)
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("chatsync serve is not running")
	}
	if err != nil {
		return err
	}
	ui.Success("Stopped chatsync serve (PID %d)", pid)
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().Check()
	if !running {
		ui.Info("chatsync serve is %s", output.Yellow("not running"))
		return nil
	}
	ui.Success("chatsync serve is %s (PID %d, port %d)", output.Green("running"), pid, viper.GetInt("port"))
	ui.Info("Logs: %s", serveLogPath())
	return nil
}
