package cmd

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ferry/internal/events"
	"ferry/internal/pipeline"
)

var runSkipLint bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full release pipeline",
	Long: `Run executes every pipeline stage in order: lint, build-and-push,
deploy, verify. Deploy and verify run only for the primary branch;
other branches stop after the image is pushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runSkipLint {
			cfg.Lint.Enabled = false
		}
		if err := cfg.ValidateRegistry(); err != nil {
			return err
		}

		rev, err := resolveRevision(cfg)
		if err != nil {
			return err
		}
		if rev.Branch == cfg.Pipeline.PrimaryBranch {
			if err := cfg.ValidateDeploy(); err != nil {
				return err
			}
			if cfg.Healthcheck.URL != "" {
				if err := cfg.ValidateHealthcheck(); err != nil {
					return err
				}
			}
		}

		ctx, cancel := signalContext()
		defer cancel()

		harness, err := newPipelineHarness(cfg)
		if err != nil {
			return err
		}
		defer harness.Close()

		result, runErr := harness.runner.Run(ctx, rev)
		// Drain the bus so the summary has seen every stage event.
		_ = harness.bus.Stop()
		if result != nil {
			printSummary(harness.summary.Outcomes(), result)
		}
		if runErr != nil {
			if errors.Is(runErr, pipeline.ErrRunInProgress) {
				return runErr
			}
			return fmt.Errorf("pipeline run failed: %w", runErr)
		}
		return nil
	},
}

func printSummary(outcomes []events.StageOutcome, result *pipeline.Result) {
	for _, outcome := range outcomes {
		entry := log.Info()
		if outcome.Status == string(pipeline.StageFailed) {
			entry = log.Error()
		}
		entry.Str("stage", outcome.Stage).Str("status", outcome.Status)
		if outcome.Reason != "" {
			entry.Str("reason", outcome.Reason)
		}
		entry.Msg("Stage outcome")
	}
	log.Info().
		Str("run_id", result.RunID).
		Str("commit", result.Commit).
		Str("branch", result.Branch).
		Bool("success", result.Success).
		Bool("verified", result.Verified).
		Dur("duration", result.Duration).
		Msg("Pipeline run finished")
}

func init() {
	runCmd.Flags().BoolVar(&runSkipLint, "skip-lint", false, "skip the lint gate for this run")
	rootCmd.AddCommand(runCmd)
}
