package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sharefs/internal/daemon"
	"sharefs/internal/storage"
	"sharefs/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the sharefs daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long:  `Starts the sharefs daemon in the background.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running sharefs daemon, unmounting every share.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows whether the daemon runs, its settings and its mounts.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var daemonConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Configure daemon settings",
	Long: `Configure persistent daemon settings.

Settings are stored in ~/.sharefs/settings.yaml and take effect on next daemon start.

Examples:
  # Enable debug logging
  sharefs daemon config --log-level debug

  # Re-create mounts when the daemon starts
  sharefs daemon config --restore-mounts on

  # Trust cached attributes for one second
  sharefs daemon config --ttl-ms 1000

  # Show current configuration
  sharefs daemon config`,
	Args: cobra.NoArgs,
	RunE: runDaemonConfig,
}

var (
	daemonForeground    bool
	daemonRestart       bool
	daemonSkipCleanup   bool
	daemonNoKernelMount bool

	configLogLevel      string
	configRestoreMounts string
	configTTLMillis     int
)

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground")
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running (no confirmation)")
	daemonStartCmd.Flags().BoolVar(&daemonSkipCleanup, "skip-cleanup", false, "Skip startup cleanup of stale mounts")
	daemonStartCmd.Flags().BoolVar(&daemonNoKernelMount, "no-kernel-mount", false, "Serve exports without mounting them")
	daemonStartCmd.Flags().MarkHidden("no-kernel-mount")
	daemonConfigCmd.Flags().StringVar(&configLogLevel, "log-level", "", "Log level: trace, debug, info, warn, none")
	daemonConfigCmd.Flags().StringVar(&configRestoreMounts, "restore-mounts", "", "Restore mounts on start: on, off")
	daemonConfigCmd.Flags().IntVar(&configTTLMillis, "ttl-ms", -1, "Attribute cache lifetime in milliseconds")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonConfigCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		if !daemonRestart {
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			fmt.Println("Use --restart to restart the daemon")
			return nil
		}
		fmt.Printf("Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemonAndWait(); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	if daemonForeground {
		d := daemon.New()
		d.LogLevel = logLevel
		d.SkipCleanup = daemonSkipCleanup
		d.NoKernelMount = daemonNoKernelMount
		return d.Run()
	}

	exe, err := util.GetExecutablePath()
	if err != nil {
		return err
	}

	cmdArgs := []string{"daemon", "start", "--foreground"}
	if logLevel != "" {
		cmdArgs = append(cmdArgs, "--logging", logLevel)
	}
	if daemonSkipCleanup {
		cmdArgs = append(cmdArgs, "--skip-cleanup")
	}
	if daemonNoKernelMount {
		cmdArgs = append(cmdArgs, "--no-kernel-mount")
	}
	// Inherits the environment, including SHAREFS_CONFIG_DIR
	if _, err := util.StartBackgroundProcess(exe, cmdArgs, nil); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Startup may restore mounts, each waiting for its export port
	wait := util.PollConfig{Timeout: 10 * time.Second, Interval: 25 * time.Millisecond}
	if err := util.PollUntil(cmd.Context(), wait, daemon.IsDaemonRunning); err != nil {
		return fmt.Errorf("daemon did not start: %w", err)
	}
	pid, _ := daemon.GetPID()
	fmt.Printf("Daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		cleanupAfterStop()
		return nil
	}

	if err := stopDaemonAndWait(); err != nil {
		return err
	}

	fmt.Println("Daemon stopped")
	return nil
}

// stopDaemonAndWait asks the daemon to stop and kills it if it does not
// exit in time.
func stopDaemonAndWait() error {
	pid, _ := daemon.GetPID()

	graceful := func() error {
		client, err := daemon.Connect()
		if err != nil {
			return err
		}
		defer client.Close()
		resp, err := client.Stop()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		return nil
	}

	err := util.StopProcess(context.Background(), pid, util.ProcessConfig{}, graceful, daemon.IsDaemonRunning)
	cleanupAfterStop()
	return err
}

// cleanupAfterStop unmounts kernel mounts a killed daemon left behind.
func cleanupAfterStop() {
	reg, err := storage.OpenRegistry(daemon.RegistryPath(), storage.DBContextCLI)
	if err != nil {
		reg = nil
	}
	result := daemon.CleanupStale(context.Background(), reg)
	if reg != nil {
		reg.Close()
	}
	if len(result.StaleMounts) > 0 || len(result.Errors) > 0 {
		fmt.Println(daemon.FormatCleanupResult(result))
	}
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	printSettings(settings)

	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon: not running")
		return nil
	}

	client, err := connectDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Status()
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	fmt.Printf("Daemon: running (PID %d, %s export)\n", resp.PID, resp.Message)
	printMounts(resp.Mounts)
	return nil
}

func printSettings(settings *daemon.GlobalSettings) {
	level := settings.LogLevel
	if level == "" {
		level = "none"
	}
	fmt.Printf("Log level: %s\n", level)
	fmt.Printf("Attribute TTL: %v\n", settings.TTL())
	fmt.Printf("Restore mounts on start: %v\n", settings.RestoreMounts)
	if settings.MetricsAddr != "" {
		fmt.Printf("Metrics: http://%s/metrics\n", settings.MetricsAddr)
	}
}

func runDaemonConfig(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if configLogLevel == "" && configRestoreMounts == "" && configTTLMillis < 0 {
		fmt.Println("Current daemon configuration:")
		printSettings(settings)
		fmt.Printf("Settings file: %s\n", daemon.GlobalSettingsPath())
		return nil
	}

	if err := applyConfig(settings, configLogLevel, configRestoreMounts, configTTLMillis); err != nil {
		return err
	}
	if err := daemon.SaveGlobalSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	fmt.Println("Settings saved")
	if daemon.IsDaemonRunning() {
		fmt.Println("Restart the daemon for the new settings to take effect:")
		fmt.Println("  sharefs daemon start --restart")
	}
	return nil
}

// applyConfig validates and applies daemon config flags. Empty strings and
// a negative ttl leave the setting unchanged.
func applyConfig(settings *daemon.GlobalSettings, level, restore string, ttlMillis int) error {
	switch level {
	case "":
	case "none", "off":
		settings.LogLevel = ""
	case "trace", "debug", "info", "warn":
		settings.LogLevel = level
	default:
		return fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, none", level)
	}

	switch restore {
	case "":
	case "on":
		settings.RestoreMounts = true
	case "off":
		settings.RestoreMounts = false
	default:
		return fmt.Errorf("invalid --restore-mounts value %q: must be 'on' or 'off'", restore)
	}

	if ttlMillis >= 0 {
		settings.TTLMillis = ttlMillis
	}
	return nil
}
