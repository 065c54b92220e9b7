package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ferry/internal/smoke"
)

var smokeTag string

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Boot the built image locally and probe it",
	Long: `Smoke starts a throwaway container from the built image on an
ephemeral local port, waits for its liveness endpoint to answer, and
tears the container down again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		runner, err := smoke.NewRunner(cfg)
		if err != nil {
			return err
		}
		defer runner.Close()

		imageRef := cfg.ImageRef(smokeTag)
		if err := runner.Run(ctx, imageRef); err != nil {
			return err
		}
		log.Info().Str("image", imageRef).Msg("Smoke test passed")
		return nil
	},
}

func init() {
	smokeCmd.Flags().StringVar(&smokeTag, "tag", "latest", "image tag to smoke test")
	rootCmd.AddCommand(smokeCmd)
}
