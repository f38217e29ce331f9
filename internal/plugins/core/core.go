// Package core provides the built-in commands every bot carries: help, version,
// plugin management, admin login and channel control.
package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ergochat/irc-go/ircfmt"

	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/irc"
	"github.com/dalnet/dunamis/internal/plugin"
)

const (
	Name    = "core"
	Version = "1.0.0"
)

// Plugin is the core plugin
type Plugin struct {
	cfg *config.Config

	mu     sync.Mutex
	admins map[string]string // lowercased nick -> identity
}

func New(cfg *config.Config) *Plugin {
	return &Plugin{cfg: cfg, admins: make(map[string]string)}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	admin := p.cfg.Commands.AdminLevel
	return plugin.Descriptor{
		Name:    Name,
		Version: Version,
		Summary: "help, version, plugin management and admin login",
		Events:  []event.Kind{event.KindRaw, event.KindNick},
		Commands: []plugin.CommandSpec{
			{Name: "help", Arity: 1, Usage: "[command]", Help: "introduces the bot or describes a command", Handler: p.help},
			{Name: "commands", Help: "lists every command", Handler: p.commands},
			{Name: "version", Help: "shows version information", Handler: p.version},
			{Name: "plugins", Help: "lists loaded and available plugins", Handler: p.plugins},
			{Name: "plugin", Level: admin, Arity: 2, Required: 2, Usage: "<load|unload|reload> <name...>", Help: "loads or unloads plugins", Handler: p.manage},
			{Name: "login", Arity: 2, Required: 2, Usage: "<name> <password>", Help: "logs in as an admin (private message only)", Handler: p.login},
			{Name: "logout", Help: "ends an admin session", Handler: p.logout},
			{Name: "join", Level: admin, Arity: 2, Required: 1, Usage: "<channel> [key]", Help: "joins a channel", Handler: p.join},
			{Name: "part", Level: admin, Arity: 2, Required: 1, Usage: "<channel> [reason]", Help: "leaves a channel", Handler: p.part},
			{Name: "nick", Level: admin, Arity: 1, Required: 1, Usage: "<newnick>", Help: "changes the bot's nickname", Handler: p.nick},
		},
	}
}

func (p *Plugin) Init(context.Context, *plugin.Context) error { return nil }

func (p *Plugin) Teardown(context.Context) error { return nil }

func (p *Plugin) HandleEvent(ctx context.Context, pctx *plugin.Context, ev event.Event) error {
	switch ev.Kind {
	case event.KindNick:
		p.dropSession(pctx, ev.Nick)
		return nil
	case event.KindRaw:
	default:
		return nil
	}

	msg := ev.Message
	switch msg.Command {
	case "001", "002", "003", "004", "005":
		return p.recordServerInfo(ctx, pctx, msg)
	case "601", "605": // RPL_LOGOFF, RPL_NOWOFF
		p.dropSession(pctx, msg.Param(1))
	}
	return nil
}

// recordServerInfo keeps the registration numerics, minus our own nick
func (p *Plugin) recordServerInfo(ctx context.Context, pctx *plugin.Context, msg *irc.ProtocolMessage) error {
	if pctx.Store == nil {
		return nil
	}
	params := msg.AllParams()
	if len(params) > 0 {
		params = params[1:]
	}
	return pctx.Store.Put(ctx, "server/rpl_"+msg.Command, strings.Join(params, " "))
}

func (p *Plugin) help(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	prefix := p.cfg.Commands.Prefix
	name := strings.TrimPrefix(inv.Slot(0), prefix)
	if name == "" {
		nick := ""
		if pctx.Sender != nil {
			nick = pctx.Sender.Nick()
		}
		return pctx.Reply(inv, fmt.Sprintf(
			"Hello there, I am %s. For a list of commands, send '%scommands' into a channel or 'commands' to me as a private message.",
			nick, prefix))
	}

	cmd, ok := pctx.Registry.Lookup(name)
	if !ok {
		return pctx.Reply(inv, fmt.Sprintf("No such command: %s", name))
	}
	line := ircfmt.Unescape(fmt.Sprintf("$b%s%s$b", prefix, cmd.Spec.Name))
	if cmd.Spec.Usage != "" {
		line += " " + cmd.Spec.Usage
	}
	if cmd.Spec.Help != "" {
		line += " - " + cmd.Spec.Help
	}
	if cmd.Spec.Level > 0 {
		line += fmt.Sprintf(" (level %d, from %s)", cmd.Spec.Level, cmd.Plugin)
	} else {
		line += fmt.Sprintf(" (from %s)", cmd.Plugin)
	}
	return pctx.Reply(inv, line)
}

func (p *Plugin) commands(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	cmds := pctx.Registry.Commands()
	if len(cmds) == 0 {
		return pctx.Reply(inv, "No commands available")
	}

	names := make([]string, len(cmds))
	owners := make(map[string]bool)
	for i, c := range cmds {
		names[i] = c.Spec.Name
		owners[c.Plugin] = true
	}

	desc := fmt.Sprintf("are $b%d$b commands", len(cmds))
	if len(cmds) == 1 {
		desc = "is $b1$b command"
	}
	if len(owners) == 1 {
		desc += " from a single plugin"
	} else {
		desc += fmt.Sprintf(" from $b%d$b plugins", len(owners))
	}
	return pctx.Reply(inv, ircfmt.Unescape(fmt.Sprintf("There %s available: %s", desc, strings.Join(names, ", "))))
}

func (p *Plugin) version(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	return pctx.Reply(inv, fmt.Sprintf("dunamis version %s\nBuilt: %s\nCommit: %s", irc.Version, irc.BuildDate, irc.GitCommit))
}

func (p *Plugin) plugins(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	loaded := pctx.Registry.List()
	if len(loaded) == 0 {
		return pctx.Reply(inv, "Info: no plugins loaded")
	}
	names := make([]string, len(loaded))
	isLoaded := make(map[string]bool, len(loaded))
	for i, d := range loaded {
		names[i] = d.Name + " " + d.Version
		isLoaded[strings.ToLower(d.Name)] = true
	}
	reply := "Loaded plugins: " + strings.Join(names, ", ")

	var idle []string
	for _, name := range pctx.Registry.Available() {
		if !isLoaded[name] {
			idle = append(idle, name)
		}
	}
	if len(idle) > 0 {
		reply += "\nAlso available: " + strings.Join(idle, ", ")
	}
	return pctx.Reply(inv, reply)
}

func (p *Plugin) manage(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	action := strings.ToLower(inv.Slot(0))
	names := strings.Fields(inv.Slot(1))

	var lines []string
	for _, name := range names {
		var err error
		switch action {
		case "load":
			err = pctx.Registry.LoadNamed(ctx, name)
		case "unload":
			err = pctx.Registry.Unload(ctx, name)
		case "reload":
			if err = pctx.Registry.Unload(ctx, name); err == nil {
				err = pctx.Registry.LoadNamed(ctx, name)
			}
		default:
			return pctx.Reply(inv, fmt.Sprintf("Error: unknown subcommand: %s - available subcommands: load, unload, reload", action))
		}
		if err != nil {
			pctx.Logger.Warn("plugin management failed", "action", action, "plugin", name, "error", err)
			lines = append(lines, fmt.Sprintf("Error: failed to %s: %s (%v)", action, name, err))
			continue
		}
		lines = append(lines, fmt.Sprintf("Success: %sed plugin: %s", action, name))
	}
	return pctx.Reply(inv, strings.Join(lines, "\n"))
}

func (p *Plugin) join(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	channel := inv.Slot(0)
	if !event.IsChannel(channel) {
		return pctx.Reply(inv, fmt.Sprintf("%s is not a channel", channel))
	}
	if err := pctx.Sender.Join(channel, inv.Slot(1)); err != nil {
		return err
	}
	return pctx.Reply(inv, fmt.Sprintf("Joining %s", channel))
}

func (p *Plugin) part(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	channel := inv.Slot(0)
	if !event.IsChannel(channel) {
		return pctx.Reply(inv, fmt.Sprintf("%s is not a channel", channel))
	}
	reason := inv.Slot(1)
	if reason == "" {
		reason = "Requested by " + inv.Nick
	}
	if err := pctx.Sender.Part(channel, reason); err != nil {
		return err
	}
	if strings.EqualFold(channel, inv.Target) {
		return nil
	}
	return pctx.Reply(inv, fmt.Sprintf("Leaving %s", channel))
}

func (p *Plugin) nick(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	newNick := inv.Slot(0)
	if err := pctx.Sender.SetNick(newNick); err != nil {
		return err
	}
	return pctx.Reply(inv, fmt.Sprintf("Changing nickname to: %s", newNick))
}
