package main

import (
	"github.com/spf13/cobra"

	"github.com/dalnet/dunamis/internal/command"
	"github.com/dalnet/dunamis/internal/plugins"
)

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and list the plugins it would load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if _, err := command.NewPolicy(cfg.Permissions, cfg.Commands); err != nil {
				return err
			}
			catalog := plugins.Catalog(cfg, nil)
			cmd.Printf("Configuration OK: %d endpoints, %d channels\n", len(cfg.Endpoints()), len(cfg.Channels))
			cmd.Printf("Available plugins: %v\n", plugins.Names(catalog))
			for _, name := range cfg.Plugins.Enabled {
				if _, ok := catalog[name]; !ok {
					cmd.Printf("Warning: enabled plugin %q is not available\n", name)
				}
			}
			return nil
		},
	}
}
