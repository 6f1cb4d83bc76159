package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"palmcal/internal/config"
	appLog "palmcal/internal/log"
)

const version = "0.1.0"

// rootFlags holds the persistent CLI flags.
type rootFlags struct {
	configPath string
	logLevel   string
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:   "palmcal",
	Short: "Two-way calendar sync between an iCalendar file and a handheld datebook",
	Long: `palmcal keeps a desktop iCalendar file and a handheld organizer's
datebook in step. Each sync reconciles records changed on either side,
using an identity map that pairs device record ids with event ids.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		appLog.Warn("failed to load .env", "error", err.Error())
	}

	defaultConfig := os.Getenv("PALMCAL_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "/etc/palmcal/config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfig, "Path to config file (env PALMCAL_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug|info|warn|error)")

	rootCmd.AddCommand(syncCmd, daemonCmd, mapCmd)
}

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and sets up logging from it.
func loadConfig() (*config.Config, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	level := conf.Log.Level
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	appLog.Setup(appLog.Options{
		Level:   appLog.ParseLevel(level),
		NoColor: conf.Log.NoColor,
		File:    conf.Log.File,
	})

	appLog.Info("effective config",
		"version", version,
		"config_path", flags.configPath,
		"timezone", conf.Timezone,
		"calendar", conf.Calendar,
		"state_dir", conf.StateDir,
		"device_id", conf.Device.ID,
		"device_path", conf.Device.Path,
		"conflict", conf.Conflict,
	)
	return conf, nil
}
