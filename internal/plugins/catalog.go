// Package plugins assembles the catalog of plugins the bot can load by name:
// the built-in Go plugins plus any Lua scripts found in the configured directory.
package plugins

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/logging"
	"github.com/dalnet/dunamis/internal/plugin"
	"github.com/dalnet/dunamis/internal/plugins/core"
	"github.com/dalnet/dunamis/internal/plugins/lua"
	"github.com/dalnet/dunamis/internal/plugins/network"
	"github.com/dalnet/dunamis/internal/plugins/poll"
	"github.com/dalnet/dunamis/internal/plugins/stats"
)

// Builtin returns the factories of the plugins compiled into the bot
func Builtin(cfg *config.Config) map[string]plugin.Factory {
	return map[string]plugin.Factory{
		core.Name:    func() plugin.Plugin { return core.New(cfg) },
		stats.Name:   func() plugin.Plugin { return stats.New() },
		poll.Name:    func() plugin.Plugin { return poll.New() },
		network.Name: func() plugin.Plugin { return network.New() },
	}
}

// Catalog is Builtin plus the scripts in cfg.Plugins.LuaDir. Scripts that fail
// to compile or reuse a built-in name are logged and skipped.
func Catalog(cfg *config.Config, logger *slog.Logger) map[string]plugin.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	catalog := Builtin(cfg)

	scripts, err := lua.Discover(cfg.Plugins.LuaDir)
	if err != nil {
		logging.LogError(logger, "some lua plugins were skipped", err, "dir", cfg.Plugins.LuaDir)
	}
	for _, s := range scripts {
		name := strings.ToLower(s.Descriptor.Name)
		if _, taken := catalog[name]; taken {
			logger.Warn("lua plugin shadows a built-in plugin, skipped", "plugin", name, "path", s.Path)
			continue
		}
		catalog[name] = s.Factory()
		logger.Debug("lua plugin available", "plugin", name, "path", s.Path)
	}
	return catalog
}

// Names lists a catalog's plugin names sorted
func Names(catalog map[string]plugin.Factory) []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
