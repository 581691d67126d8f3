// Command scriptd serves the routes registered by the scripts in a
// directory and runs their periodic tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cryguy/scriptd"
	"github.com/cryguy/scriptd/internal/logging"
)

var (
	configPath string
	scriptsDir string
	logLevel   string

	cfg    *scriptd.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "scriptd",
	Short: "Multi-isolate script runtime serving HTTP routes",
	Long: `scriptd loads the JavaScript and TypeScript files in a directory into a pool
of QuickJS isolates. Scripts register HTTP routes with addRoute and background
tasks with addPeriodicCallback, and reach the database with query and execute.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = scriptd.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if scriptsDir != "" {
			cfg.Scripts.Dir = scriptsDir
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "scriptd.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&scriptsDir, "scripts", "s", "", "Script directory (overrides scripts.dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides logging.level)")

	rootCmd.AddCommand(serveCmd, checkCmd, routesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
