package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ferry/internal/deploy"
	"ferry/internal/healthcheck"
)

var (
	deployDryRun     bool
	deploySkipVerify bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Roll out the already-pushed image on the target host",
	Long: `Deploy connects to the target host over SSH, pulls the new image,
recreates the application service in place, restarts the reverse proxy
and reports the resulting service status. The liveness endpoint is then
probed; a failing probe is reported but does not fail the command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateDeploy(); err != nil {
			return err
		}
		if !deploySkipVerify && cfg.Healthcheck.URL != "" {
			if err := cfg.ValidateHealthcheck(); err != nil {
				return err
			}
		}

		if deployDryRun {
			plan := deploy.NewDeployer(nil, cfg).Plan()
			for i, step := range plan {
				kind := "warn-only"
				if step.Fatal {
					kind = "fatal"
				}
				fmt.Printf("%d. [%s] %s\n    %s\n", i+1, kind, step.Name, step.Command)
			}
			return nil
		}

		ctx, cancel := signalContext()
		defer cancel()

		d := &sshDeployer{cfg: cfg}
		if err := d.Deploy(ctx); err != nil {
			return err
		}
		log.Info().Str("host", cfg.Deploy.Host).Msg("Deploy complete")

		if deploySkipVerify || cfg.Healthcheck.URL == "" {
			return nil
		}
		result := healthcheck.NewWaiter(cfg.Healthcheck).WaitReady(ctx, cfg.Healthcheck.URL)
		if !result.Healthy {
			log.Warn().
				Str("url", cfg.Healthcheck.URL).
				Int("attempts", result.Attempts).
				Err(result.Err).
				Msg("Deployment verification failed; service may still be starting")
			return nil
		}
		log.Info().
			Str("url", cfg.Healthcheck.URL).
			Int("status", result.HTTPStatus).
			Int64("response_time_ms", result.ResponseTimeMs).
			Msg("Deployment verified")
		return nil
	},
}

func init() {
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "print the rollout plan without connecting")
	deployCmd.Flags().BoolVar(&deploySkipVerify, "skip-verify", false, "do not probe the liveness endpoint after rollout")
	rootCmd.AddCommand(deployCmd)
}
