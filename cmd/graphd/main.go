// Package main implements the graphd CLI: the ops daemon and read-only
// inspection of the checkpoint log.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/graphd/internal/config"
	"github.com/fyrsmithlabs/graphd/internal/logging"
)

var (
	// configPath is the YAML config file; empty means ~/.config/graphd/config.yaml
	configPath string
	// dbPath overrides checkpoint.sqlite_path and selects the sqlite backend
	dbPath string
	// outputJSONFlag switches command output to JSON
	outputJSONFlag bool
	// verbose lowers the CLI log level to info
	verbose bool

	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "graphd",
	Short: "Hierarchical multi-agent orchestration engine",
	Long: `graphd runs coordinator, domain and specialist workers over a
checkpointed run log.

The CLI hosts the ops daemon (health, metrics and NATS event relay) and
inspects runs recorded in a SQLite checkpoint log.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/graphd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite checkpoint log (overrides checkpoint.sqlite_path)")
	rootCmd.PersistentFlags().BoolVar(&outputJSONFlag, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at info level")
}

// loadConfig loads configuration and applies the --db override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		cfg.Checkpoint.Backend = config.BackendSQLite
		cfg.Checkpoint.SQLitePath = dbPath
	}
	return cfg, nil
}

// loggingConfig decodes the logging section. CLI commands other than serve
// log at warn unless --verbose is set.
func loggingConfig(cfg *config.Config, quiet bool) (*logging.Config, error) {
	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return nil, err
	}
	if quiet && !verbose && logCfg.Level < zapcore.WarnLevel {
		logCfg.Level = zapcore.WarnLevel
	}
	return logCfg, nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
