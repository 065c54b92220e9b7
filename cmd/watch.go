package cmd

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ferry/internal/config"
	"ferry/internal/events"
	"ferry/internal/pipeline"
)

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the build context and re-run the pipeline on changes",
	Long: `Watch observes the build context and triggers a full pipeline run
whenever files change, coalescing bursts of events into a single run.
Configuration changes are picked up without restarting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateRegistry(); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		harness, err := newPipelineHarness(cfg)
		if err != nil {
			return err
		}
		defer harness.Close()

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()

		if err := watchContext(watcher, cfg.Image.ContextDir); err != nil {
			return err
		}

		// Reload configuration in place when the config file changes.
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloaded, err := config.Load()
			if err != nil {
				log.Error().Err(err).Msg("Ignoring config change; reload failed")
				return
			}
			*cfg = *reloaded
			log.Info().Str("file", e.Name).Msg("Configuration reloaded")
		})
		viper.WatchConfig()

		log.Info().
			Str("context_dir", cfg.Image.ContextDir).
			Dur("debounce", watchDebounce).
			Msg("Watching for changes")

		trigger := time.NewTimer(0)
		if !trigger.Stop() {
			<-trigger.C
		}

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("Shutting down watcher")
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ignoredPath(event.Name) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// New directories need to be watched too.
				if event.Op&fsnotify.Create != 0 {
					if err := watchContext(watcher, event.Name); err != nil {
						log.Debug().Err(err).Str("path", event.Name).Msg("Could not extend watch")
					}
				}
				log.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Change detected")
				trigger.Reset(watchDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Error().Err(err).Msg("Watcher error")
			case <-trigger.C:
				runOnce(ctx, cfg, harness)
			}
		}
	},
}

func runOnce(ctx context.Context, cfg *config.Config, harness *pipelineHarness) {
	rev, err := resolveRevision(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Skipping run; could not resolve revision")
		return
	}
	if rev.Branch == cfg.Pipeline.PrimaryBranch {
		if err := cfg.ValidateDeploy(); err != nil {
			log.Error().Err(err).Msg("Skipping run; deploy configuration invalid")
			return
		}
	}
	harness.summary.Reset()
	result, err := harness.runner.Run(ctx, rev)
	if result != nil {
		// The bus keeps running between watch runs, so report from the
		// run result rather than the (possibly still-draining) summary.
		printSummary(outcomesFromResult(result), result)
	}
	if err != nil && !errors.Is(err, pipeline.ErrRunInProgress) {
		log.Error().Err(err).Msg("Pipeline run failed")
	}
}

func outcomesFromResult(result *pipeline.Result) []events.StageOutcome {
	outcomes := make([]events.StageOutcome, 0, len(result.Stages))
	for _, stage := range result.Stages {
		outcomes = append(outcomes, events.StageOutcome{
			Stage:  stage.Name,
			Status: string(stage.Status),
			Reason: stage.Reason,
		})
	}
	return outcomes
}

// watchContext registers root and every directory below it, skipping
// version control and cache directories.
func watchContext(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredPath(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func ignoredPath(path string) bool {
	base := filepath.Base(path)
	if base == ".git" || base == "__pycache__" || base == ".pytest_cache" {
		return true
	}
	return strings.HasSuffix(base, ".pyc") || strings.HasSuffix(base, ".swp")
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "quiet period before a change triggers a run")
	rootCmd.AddCommand(watchCmd)
}
