package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"argus/detect"
)

// newWatchCmd creates the 'watch' subcommand
func newWatchCmd() *cobra.Command {
	var (
		eventsFile string
		rulesDir   string
		module     string
		checkpoint string
		interval   time.Duration
		fromStore  bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a growing events file and run detections incrementally",
		Long: `Poll an events file on an interval and run detection incrementally:
only events appended since the last run are evaluated against
single-event rules, while correlation windows are kept exact across
runs. The runner state is checkpointed with msgpack so a restarted
watch resumes where it left off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateModule(module); err != nil {
				return err
			}

			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = cfg.Watch.Interval
			}
			if checkpoint == "" {
				checkpoint = cfg.Watch.Checkpoint
			}

			source, cleanup, err := newRuleSource(cfg, rulesDir, fromStore, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			engine := detect.NewEngine(source, engineConfig(cfg), logger)
			set, err := engine.RuleSetFor(module)
			if err != nil {
				return fmt.Errorf("load rules: %w", err)
			}

			state := loadCheckpoint(checkpoint, logger)
			runner := detect.NewRunner(engineConfig(cfg), logger)
			limiter := rate.NewLimiter(rate.Limit(cfg.Watch.RateLimit), cfg.Watch.Burst)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !quiet {
				infoColor.Printf("Watching %s every %s (module %s, %d rules)\n",
					eventsFile, interval, module, len(set.Rules)+len(set.Correlations))
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			lastTotal := -1
			if state != nil && state.Result != nil {
				lastTotal = state.Result.Total()
			}

			for {
				select {
				case <-ctx.Done():
					if !quiet {
						fmt.Println()
						infoColor.Println("Stopping watch")
					}
					return saveCheckpoint(checkpoint, state, logger)
				case <-ticker.C:
				}

				if err := limiter.Wait(ctx); err != nil {
					return saveCheckpoint(checkpoint, state, logger)
				}

				events, err := detect.LoadEvents(eventsFile)
				if err != nil {
					logger.Warnw("skipping run, events file unreadable",
						"path", eventsFile, "error", err)
					continue
				}

				state = runner.Run(set, events, state)

				if total := state.Result.Total(); total != lastTotal {
					lastTotal = total
					if !quiet && !outputJSON {
						fmt.Printf("[%s] %d events, %d detections (%s)\n",
							time.Now().Format("15:04:05"), len(events), total,
							formatSeverityCounts(state.Result.SeverityCounts))
					}
					if outputJSON {
						if err := outputAsJSON(state.Result); err != nil {
							return err
						}
					}
				}

				if err := saveCheckpoint(checkpoint, state, logger); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().StringVar(&eventsFile, "events", "", "Events file (JSON array) to watch")
	cmd.Flags().StringVar(&rulesDir, "rules", "", "Rules directory (default from config)")
	cmd.Flags().StringVar(&module, "module", detect.ModuleSecurity, "Module whose rules to run")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Runner state file (default from config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Poll interval (default from config)")
	cmd.Flags().BoolVar(&fromStore, "store", false, "Load rules from the local rule store")
	_ = cmd.MarkFlagRequired("events")

	return cmd
}

// loadCheckpoint restores a previous runner state. A missing or
// unreadable checkpoint starts the watch from scratch, it is never
// fatal.
func loadCheckpoint(path string, logger *zap.SugaredLogger) *detect.RunnerState {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		logger.Warnw("checkpoint unreadable, starting fresh", "path", path, "error", err)
		return nil
	}
	state, err := detect.DecodeRunnerState(data)
	if err != nil {
		logger.Warnw("checkpoint corrupt, starting fresh", "path", path, "error", err)
		return nil
	}
	logger.Infow("resuming from checkpoint",
		"path", path, "events", state.LastCount, "updated", state.UpdatedAt)
	return state
}

func saveCheckpoint(path string, state *detect.RunnerState, logger *zap.SugaredLogger) error {
	if path == "" || state == nil {
		return nil
	}
	data, err := state.Encode()
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	logger.Debugw("checkpoint written", "path", path, "events", state.LastCount)
	return nil
}
