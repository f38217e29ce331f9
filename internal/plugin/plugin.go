// Package plugin defines the plugin contract and the registry that owns loaded plugins.
package plugin

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/storage"
)

// Plugin is implemented by every extension. Init runs once before any event or
// command reaches the plugin; Teardown runs once after the last one finished.
type Plugin interface {
	Descriptor() Descriptor
	Init(ctx context.Context, pctx *Context) error
	Teardown(ctx context.Context) error
	HandleEvent(ctx context.Context, pctx *Context, ev event.Event) error
}

// Factory makes a fresh plugin instance for loading by name
type Factory func() Plugin

// Descriptor declares what a plugin subscribes to and provides
type Descriptor struct {
	Name     string
	Version  string // semver
	Summary  string
	Events   []event.Kind
	Commands []CommandSpec

	// Generation is assigned by the registry at load time
	Generation uint64
}

// CommandHandler runs one command invocation
type CommandHandler func(ctx context.Context, pctx *Context, inv *Invocation) error

// CommandSpec declares one command.
//
// Arity 0 passes the argument string through untouched. Arity n > 0 splits it
// into n slots, quotes respected, with the last slot taking the rest of the line;
// at least Required slots must be present.
type CommandSpec struct {
	Name     string
	Level    int
	Arity    int
	Required int
	Usage    string
	Help     string
	Handler  CommandHandler
}

// Invocation is one command call, built by the router
type Invocation struct {
	Identity string // nick!user@host
	Nick     string
	Target   string // channel, or the bot's nick for private messages
	Private  bool
	Name     string
	Args     string
	Slots    []string
	Level    int
	Event    event.Event
}

// ReplyTo is where answers go: the channel, or the invoker for private messages
func (inv *Invocation) ReplyTo() string {
	if inv.Private {
		return inv.Nick
	}
	return inv.Target
}

// Slot returns slot i or ""
func (inv *Invocation) Slot(i int) string {
	if i < 0 || i >= len(inv.Slots) {
		return ""
	}
	return inv.Slots[i]
}

// Sender is the outbound side of the connection
type Sender interface {
	Privmsg(target, text string) error
	Notice(target, text string) error
	Send(command string, params ...string) error
	Join(channel, key string) error
	Part(channel, reason string) error
	SetNick(nick string) error
	Nick() string
}

// Sessions tracks identities that logged in as admin
type Sessions interface {
	Elevate(identity string)
	Revoke(identity string) bool
	Elevated(identity string) bool
}

// Context is everything a plugin may use. The registry gives each plugin its
// own copy with Name, Logger and Store scoped to it.
type Context struct {
	Name     string
	Sender   Sender
	Store    storage.Store
	Logger   *slog.Logger
	Config   *config.Config
	Registry *Registry
	Sessions Sessions
}

// Reply answers an invocation where it came from. In channels the answer is
// addressed to the invoker.
func (c *Context) Reply(inv *Invocation, text string) error {
	if c.Sender == nil {
		return nil
	}
	if !inv.Private {
		text = inv.Nick + ": " + text
	}
	return c.Sender.Privmsg(inv.ReplyTo(), text)
}

// Notify sends text to the invoker privately
func (c *Context) Notify(inv *Invocation, text string) error {
	if c.Sender == nil {
		return nil
	}
	return c.Sender.Notice(inv.Nick, text)
}

// forPlugin derives the context handed to one plugin
func (c Context) forPlugin(name string) *Context {
	c.Name = name
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("plugin", name)
	if c.Store != nil {
		c.Store = storage.WithPrefix(c.Store, strings.ToLower(name)+"/")
	}
	return &c
}
