package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/irc"
)

type rootOptions struct {
	configPath string
	foreground bool
	overrides  *pflag.FlagSet
}

// NewRootCmd builds the CLI. Without a subcommand the bot runs.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{overrides: config.Flags()}

	cmd := &cobra.Command{
		Use:          "dunamis",
		Short:        "dunamis - a pluggable IRC bot",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, opts)
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to configuration file")
	cmd.PersistentFlags().AddFlagSet(opts.overrides)

	run := &cobra.Command{
		Use:   "run",
		Short: "Connect and run the bot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd, opts)
		},
	}
	for _, c := range []*cobra.Command{cmd, run} {
		c.Flags().BoolVarP(&opts.foreground, "foreground", "x", false, "run in foreground (don't daemonize)")
	}

	cmd.AddCommand(run)
	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newCheckConfigCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("dunamis version %s\nBuilt: %s\nCommit: %s\n", irc.Version, irc.BuildDate, irc.GitCommit)
		},
	}
}

// loadConfig resolves the config path against the working directory, since a
// daemonized bot may not keep it
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving config path: %w", err)
		}
		path = filepath.Join(wd, path)
	}
	return config.Load(path, o.overrides)
}
