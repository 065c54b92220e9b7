package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ferry/internal/lint"
)

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Run the lint gate on the build context",
	Long: `Lint runs two passes over the build context: a strict pass whose
violations fail the command, and an advisory pass that is reported but
never fatal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		report, err := lint.NewRunner(cfg.Lint, cfg.Image.ContextDir).Run(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int("strict_violations", report.StrictViolations).
			Int("advisory_violations", report.AdvisoryViolations).
			Msg("Lint gate passed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lintCmd)
}
