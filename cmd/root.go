// Package cmd provides the argus command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"argus/config"
	"argus/detect"
	"argus/store"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	noColor    bool
	quiet      bool
)

// NewRootCmd creates the argus root command with all subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "argus",
		Short: "Detection and correlation engine for Windows event logs",
		Long: `Argus evaluates Sigma-style detection and correlation rules over
batches of Windows event log records, tracks incremental results across
growing batches, and scores per-entity event timelines for anomalies.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newAnomaliesCmd())
	rootCmd.AddCommand(newRulesCmd())

	return rootCmd
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfigAndLogger is the shared command startup: configuration
// first, then a logger shaped by it.
func loadConfigAndLogger() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// buildLogger creates the CLI logger from the logging config section.
func buildLogger(cfg *config.Config) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	if quiet {
		level = zapcore.ErrorLevel
	}

	zcfg := zap.NewDevelopmentConfig()
	if cfg.Logging.Format == "json" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// engineConfig maps the config file's engine section to the detection
// engine's settings.
func engineConfig(cfg *config.Config) detect.EngineConfig {
	return detect.EngineConfig{
		RegexTimeout:     cfg.Engine.RegexTimeout,
		PayloadCacheSize: cfg.Engine.PayloadCacheSize,
		ValueCacheSize:   cfg.Engine.ValueCacheSize,
	}
}

// knownModules are the rule-set modules a scan can target.
var knownModules = map[string]bool{
	detect.ModuleSecurity:    true,
	detect.ModuleSysmon:      true,
	detect.ModulePowerShell:  true,
	detect.ModuleSystem:      true,
	detect.ModuleApplication: true,
}

func validateModule(module string) error {
	if !knownModules[module] {
		return fmt.Errorf("unknown module %q: must be one of Security, Sysmon, PowerShell, System, Application", module)
	}
	return nil
}

// newRuleSource returns the configured rule source: the SQLite store
// when fromStore is set, otherwise the rules directory. The cleanup
// function releases whatever the source holds open.
func newRuleSource(cfg *config.Config, rulesDir string, fromStore bool, logger *zap.SugaredLogger) (detect.RuleSource, func(), error) {
	if fromStore {
		st, err := store.Open(cfg.GetStorePath(), logger)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
	if rulesDir == "" {
		rulesDir = cfg.Rules.Dir
	}
	return detect.NewDirLoader(rulesDir, logger), func() {}, nil
}

func outputAsJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
