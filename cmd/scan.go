package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"argus/detect"
)

// newScanCmd creates the 'scan' subcommand
func newScanCmd() *cobra.Command {
	var (
		eventsFile string
		rulesDir   string
		module     string
		outFile    string
		fromStore  bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run detection rules over an events file",
		Long: `Run every detection and correlation rule of one module over a JSON
events file and print the flagged rules. Rules come from the rules
directory, or from the local rule store with --store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateModule(module); err != nil {
				return err
			}

			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}

			events, err := detect.LoadEvents(eventsFile)
			if err != nil {
				return fmt.Errorf("load events: %w", err)
			}

			source, cleanup, err := newRuleSource(cfg, rulesDir, fromStore, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			var s *spinner.Spinner
			if !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Scanning events..."
				s.Start()
			}

			engine := detect.NewEngine(source, engineConfig(cfg), logger)
			set, err := engine.RuleSetFor(module)
			if err != nil {
				if s != nil {
					s.Stop()
				}
				return fmt.Errorf("load rules: %w", err)
			}

			runner := detect.NewRunner(engineConfig(cfg), logger)
			state := runner.Run(set, events, nil)

			if s != nil {
				s.Stop()
			}

			if outFile != "" {
				if err := writeResultFile(outFile, state); err != nil {
					return err
				}
				if !quiet {
					infoColor.Printf("Results written to %s\n", outFile)
				}
			}

			if outputJSON {
				return outputAsJSON(state.Result)
			}

			renderDetections(set, state.Result, len(events))
			return nil
		},
	}

	cmd.Flags().StringVar(&eventsFile, "events", "", "Events file (JSON array) to scan")
	cmd.Flags().StringVar(&rulesDir, "rules", "", "Rules directory (default from config)")
	cmd.Flags().StringVar(&module, "module", detect.ModuleSecurity, "Module whose rules to run")
	cmd.Flags().StringVar(&outFile, "out", "", "Write the full runner state to this file as JSON")
	cmd.Flags().BoolVar(&fromStore, "store", false, "Load rules from the local rule store")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}

func writeResultFile(path string, state *detect.RunnerState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	return nil
}
