package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dalnet/dunamis/internal/bot"
	"github.com/dalnet/dunamis/internal/irc"
	"github.com/dalnet/dunamis/internal/logging"
)

const (
	daemonEnv = "DUNAMIS_DAEMON"
	pidFile   = "pid.txt"
)

func runBot(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if !opts.foreground {
		return daemonize(cmd)
	}

	logger := logging.Setup("dunamis", irc.Version, cfg.Log.Format, cfg.Log.Level, os.Stderr)
	if err := writePIDFile(cfg.DataDir); err != nil {
		logger.Warn("could not write PID file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bot.New(ctx, cfg, logger)
	if err != nil {
		logging.LogError(logger, "failed to start", err)
		return err
	}
	logger.Info("connecting", "endpoints", cfg.Endpoints())
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.LogError(logger, "bot stopped", err)
		return err
	}
	return nil
}

// daemonize re-executes the binary detached with --foreground, so the child
// runs the bot while this process exits
func daemonize(cmd *cobra.Command) error {
	if os.Getenv(daemonEnv) == "1" {
		return errors.New("already daemonized but not running in foreground")
	}
	args := append(append([]string{}, os.Args[1:]...), "--foreground")
	child := exec.Command(os.Args[0], args...)
	child.Env = append(os.Environ(), daemonEnv+"=1")
	child.Stdin, child.Stdout, child.Stderr = nil, nil, nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to fork: %w", err)
	}
	cmd.Printf("Now becoming a daemon\nMy pid is %d\n", child.Process.Pid)
	return child.Process.Release()
}

func writePIDFile(dir string) error {
	return os.WriteFile(filepath.Join(dir, pidFile), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
