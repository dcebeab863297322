package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProcessConfig controls how StopProcess waits for a process to exit.
type ProcessConfig struct {
	GracefulTimeout time.Duration // zero means 10s
	PollInterval    time.Duration // zero means 100ms
	KillWait        time.Duration // zero means 2s
}

// StartBackgroundProcess starts executable detached in its own session so
// it outlives the caller. A nil env inherits the caller's environment.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Env = env
	if env == nil {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", executable, err)
	}
	// Reap the child if it exits while we are still around.
	go func() { _ = cmd.Wait() }()
	return cmd.Process, nil
}

// StopProcess asks a process to exit with gracefulStop and, once
// cfg.GracefulTimeout passes with isRunning still true, sends SIGKILL.
func StopProcess(ctx context.Context, pid int, cfg ProcessConfig, gracefulStop func() error, isRunning func() bool) error {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = 2 * time.Second
	}

	if gracefulStop != nil {
		if err := gracefulStop(); err != nil {
			log.WithError(err).WithField("pid", pid).Debug("graceful stop request failed")
		}
	}

	stopped := func() bool { return !isRunning() }
	err := PollUntil(ctx, PollConfig{Timeout: cfg.GracefulTimeout, Interval: cfg.PollInterval}, stopped)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	log.WithField("pid", pid).Warn("process did not exit, killing")
	if pid > 0 {
		if proc, ferr := os.FindProcess(pid); ferr == nil {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}
	if err := PollUntil(ctx, PollConfig{Timeout: cfg.KillWait, Interval: cfg.PollInterval}, stopped); err != nil {
		return fmt.Errorf("failed to stop process (PID %d): %w", pid, err)
	}
	return nil
}

// IsProcessRunning reports whether pid names a live process.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to someone else.
	return err == nil || errors.Is(err, syscall.EPERM)
}

// GetExecutablePath returns the resolved path of the running binary.
func GetExecutablePath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return evalSymlinksOr(exe), nil
}
