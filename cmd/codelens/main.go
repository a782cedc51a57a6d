// Command codelens is the CLI adapter: one-shot analysis commands, the
// learning commands, and the REST server. Exit codes follow the shared
// contract: 0 success, 1 user error, 2 core error.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codelens/internal/config"
	"codelens/internal/logging"
	"codelens/internal/types"
)

var (
	// Global flags
	workspacePath string
	configPath    string
	debugMode     bool
	logLevel      string
	opTimeout     time.Duration

	cfg *config.Config

	// Console logger for operational messages. The categorized file logs
	// under .codelens/logs are separate and only active in debug mode.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "codelens",
	Short: "codelens - layered code intelligence with continuous learning",
	Long: `codelens analyzes a workspace through a layered pipeline (fast text,
structural, ontology, pattern, propagation) and learns from feedback:
accepted and rejected suggestions tune pattern confidence, file changes
feed an evolution tracker, and validated patterns are shared across a team.

Results are deterministic for a given workspace state: the same request
against unchanged files returns the same answer, cached or not.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg = config.Default()
		}
		if err != nil {
			return err
		}
		if workspacePath != "" {
			cfg.Workspace = workspacePath
		}
		if cfg.Workspace == "" {
			cfg.Workspace = "."
		}
		if debugMode {
			cfg.Logging.DebugMode = true
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		zapCfg := zap.NewProductionConfig()
		if cfg.Logging.DebugMode {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		return logging.Initialize(cfg.Workspace, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", "", "workspace root (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable categorized debug logs under .codelens/logs")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", 30*time.Second, "per-operation timeout")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(definitionCmd, referencesCmd, renameCmd, suggestCmd, completionCmd)
	rootCmd.AddCommand(feedbackCmd, statsCmd, maintenanceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "codelens: %v\n", err)
		os.Exit(types.ExitCode(err))
	}
}
