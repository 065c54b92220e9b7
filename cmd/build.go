package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ferry/internal/image"
)

var buildCheckOnly bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the container image for the current revision",
	Long: `Build checks the image definition against the packaging contract and
builds it under the release tags. Nothing is pushed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if buildCheckOnly {
			check, err := image.CheckDefinition(cfg.Image)
			if err != nil {
				return err
			}
			for _, warning := range check.Warnings {
				log.Warn().Str("check", warning).Msg("Image definition warning")
			}
			if err := check.Err(); err != nil {
				return err
			}
			log.Info().Str("dockerfile", cfg.Image.Dockerfile).Msg("Image definition satisfies the packaging contract")
			return nil
		}

		rev, err := resolveRevision(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		builder, err := image.NewBuilder(cfg)
		if err != nil {
			return err
		}
		defer builder.Close()

		result, err := builder.Build(ctx, releaseTags(cfg, rev))
		if err != nil {
			return err
		}
		log.Info().
			Strs("tags", result.Tags).
			Msg("Image built")
		return nil
	},
}

func init() {
	buildCmd.Flags().BoolVar(&buildCheckOnly, "check", false, "only check the image definition, do not build")
	rootCmd.AddCommand(buildCmd)
}
