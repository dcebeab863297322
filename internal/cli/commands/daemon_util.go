package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"sharefs/internal/daemon"
	"sharefs/internal/util"
)

// StartDaemonIfNeeded starts the daemon in the background if not running.
// If notify is true, prints a message to inform the user.
// Returns nil if daemon is already running or successfully started.
func StartDaemonIfNeeded(notify bool) error {
	cfg := util.DaemonStartConfig{
		Notify:     notify,
		PollConfig: util.FastPollConfig(),
	}

	return util.StartDaemonIfNeeded(
		context.Background(),
		cfg,
		daemon.IsDaemonRunning,
		[]string{"daemon", "start"},
	)
}

// connectDaemon connects to a running daemon.
func connectDaemon() (*daemon.Client, error) {
	if !daemon.IsDaemonRunning() {
		return nil, fmt.Errorf("daemon is not running")
	}
	client, err := daemon.ConnectWithRetry(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return client, nil
}

// isMountID reports whether s is a mount id rather than a path.
func isMountID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
