package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/voicebridge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "voicebridge",
	Short: "Bridge coordination server between tool-calling agents and device sessions",
	Long: `voicebridge relays messages between an external tool-calling agent and a
single end-user device session, at human pace. The agent talks MCP; the
device talks WebSocket; voicebridge holds the conversation together.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default "+config.DefaultPath+")")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(pairCmd())
}

// resolveConfigPath honors --config, then the VOICEBRIDGE_CONFIG env
// var, then the default location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("VOICEBRIDGE_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath
}

// setupLogging configures the process-wide slog default from config.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}
