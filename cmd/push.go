package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ferry/internal/registry"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push the release tags to the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateRegistry(); err != nil {
			return err
		}

		rev, err := resolveRevision(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		pusher, err := registry.NewPusher(cfg)
		if err != nil {
			return err
		}
		defer pusher.Close()

		tags := releaseTags(cfg, rev)
		if err := pusher.Push(ctx, tags); err != nil {
			return err
		}
		log.Info().Strs("tags", tags).Msg("Image pushed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
}
