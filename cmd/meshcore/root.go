package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meshcore/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "meshcore",
	Short: "peer-to-peer mesh messaging over Bluetooth LE",
	Long: `meshcore discovers nearby peers over Bluetooth LE, connects to them in
both radio roles and exchanges short text messages.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to config file (default: ~/.config/meshcore/config.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(loopbackCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads and validates the config and installs the default logger.
func setup() (*config.Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.EnsureUID() {
		slog.Warn("No uid configured, using a random one for this run", "uid", cfg.UID)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return cfg, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, writing it first if it does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	written, err := config.WriteDefault()
	if err != nil {
		slog.Warn("Could not write default config", "error", err)
	} else if written != "" {
		slog.Info("Wrote default config", "path", written)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, transport string) {
	fmt.Println("=== meshcore ===")
	fmt.Printf("  UID:       %s\n", cfg.UID)
	fmt.Printf("  Transport: %s\n", transport)
	if cfg.BLE.Enabled {
		fmt.Printf("  Prefix:    %s\n", cfg.BLE.LocalNamePrefix)
		fmt.Printf("  Reconnect: %s (max %s, attempts %d)\n",
			cfg.BLE.ReconnectDelay, cfg.BLE.ReconnectMaxDelay, cfg.BLE.ReconnectMaxAttempts)
	}
	if cfg.Events.Path != "" {
		fmt.Printf("  Events:    %s\n", cfg.Events.Path)
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
