package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autopilot/internal/config"
	"autopilot/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	serverAddr string
	timeout    time.Duration

	// Logger
	logger *zap.Logger

	// cfg is loaded once per invocation by PersistentPreRunE.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "autopilot - long-running coding agent sessions",
	Long: `autopilot drives a coding agent turn by turn until every feature in a
specification passes.

Sessions are durable: they survive restarts (parked as paused) and can be
started, paused, resumed and stopped from any client. Each turn receives
knowledge resolved from four tiers (local, project, org, builtin) plus an
optional semantic index.

Run "autopilot serve" to host sessions, or "autopilot run" to drive one
session in the foreground.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zcfg.DisableStacktrace = true
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		} else {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}
		path := configPath
		if path == "" {
			path = filepath.Join(ws, config.DefaultPath)
		}
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		cfg.Resolve(ws)
		if serverAddr == "" {
			serverAddr = cfg.Server.Listen
		}

		if err := logging.Initialize(ws, logging.Config{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      levelFor(cfg.Logging.Level),
			JSONFormat: cfg.Logging.Format == "json",
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return err
		}
		if verbose {
			// Category logs go to stderr next to the CLI's own output.
			logging.UseCore(logger.Core())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		logging.CloseAudit()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func levelFor(level string) string {
	if verbose {
		return "debug"
	}
	return level
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/"+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Server address for client commands (default: server.listen)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for client requests")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
