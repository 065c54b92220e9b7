package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	branchFlag string
	commitFlag string
)

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Ferry - Container Release Pipeline",
	Long: `Ferry lints, builds and publishes a container image, rolls it out to a
remote compose host over SSH, and verifies the deployment with a bounded
liveness probe.`,
}

func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo injects build-time version metadata from main.
func SetVersionInfo(version, commit, date string) {
	if version != "" {
		BuildVersion = version
	}
	if commit != "" {
		BuildCommit = commit
	}
	if date != "" {
		BuildDate = date
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ferry.toml)")
	rootCmd.PersistentFlags().StringVar(&branchFlag, "branch", "", "branch being released (overrides CI environment and git)")
	rootCmd.PersistentFlags().StringVar(&commitFlag, "commit", "", "commit being released (overrides CI environment and git)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config file in standard locations
		viper.SetConfigName("ferry")
		viper.SetConfigType("toml")

		// Current directory (highest priority)
		viper.AddConfigPath(".")

		// User config directory
		if userConfigDir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(userConfigDir + "/ferry")
		}

		// User home directory
		if homeDir, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(homeDir + "/.ferry")
			viper.AddConfigPath(homeDir)
		}

		// System-wide config directories
		viper.AddConfigPath("/etc/ferry")
		viper.AddConfigPath("/usr/local/etc/ferry")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else {
		if cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		} else {
			log.Fatal().Msg("config file not found - please specify with --config flag or ensure ferry.toml exists in current directory")
		}
	}
}
