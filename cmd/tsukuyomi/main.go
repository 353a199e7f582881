package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootFlags struct {
	configPath string
	jsonLogs   bool
	debug      bool
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "tsukuyomi",
		Short:         "Sharded gateway client",
		Long:          "tsukuyomi connects a bot to the gateway over one or more shards, keeps the sessions alive and serves their status and metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (toml, yaml or json)")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonLogs, "json-logs", false, "log as JSON")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		runCmd(flags),
		gatewayCmd(flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newLogger(flags *rootFlags) (*zap.Logger, error) {
	var config zap.Config
	if flags.jsonLogs {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	if flags.debug {
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return config.Build()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tsukuyomi %s (%s)\n", version, commit)
		},
	}
}
