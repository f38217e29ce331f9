// Package command turns prefixed chat lines into plugin command invocations.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/oops"

	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/logging"
	"github.com/dalnet/dunamis/internal/observability"
	"github.com/dalnet/dunamis/internal/plugin"
)

// Outcome is what Route did with an event
type Outcome int

const (
	NotCommand Outcome = iota
	Unknown
	Denied
	Usage
	Invoked
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NotCommand:
		return "not_command"
	case Unknown:
		return "unknown"
	case Denied:
		return "denied"
	case Usage:
		return "usage"
	case Invoked:
		return "invoked"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Events lists the event kinds the router consumes
var Events = []event.Kind{event.KindChannelMessage, event.KindPrivateMessage}

// Commands resolves command names. *plugin.Registry implements it.
type Commands interface {
	Lookup(name string) (plugin.Command, bool)
}

// Router recognizes commands in message events, checks permissions and calls
// the owning plugin's handler
type Router struct {
	cfg      *config.Config
	commands Commands
	policy   *Policy
	sender   plugin.Sender
	logger   *slog.Logger
	metrics  *observability.Metrics
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func NewRouter(cfg *config.Config, commands Commands, policy *Policy, sender plugin.Sender, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		commands: commands,
		policy:   policy,
		sender:   sender,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Handle is the bus handler. Only handler failures are returned; denials and
// usage errors are dealt with here.
func (r *Router) Handle(ctx context.Context, ev event.Event) error {
	outcome, err := r.Route(ctx, ev)
	if outcome == Failed {
		return err
	}
	return nil
}

// Route processes one message event
func (r *Router) Route(ctx context.Context, ev event.Event) (Outcome, error) {
	outcome, err := r.route(ctx, ev)
	if outcome != NotCommand {
		r.metrics.CommandRouted(outcome.String())
	}
	return outcome, err
}

func (r *Router) route(ctx context.Context, ev event.Event) (Outcome, error) {
	if ev.Kind != event.KindChannelMessage && ev.Kind != event.KindPrivateMessage {
		return NotCommand, nil
	}
	private := ev.Kind == event.KindPrivateMessage

	text := strings.TrimSpace(ev.Text)
	// CTCP requests and actions are never commands
	if text == "" || text[0] == '\x01' {
		return NotCommand, nil
	}

	prefix := r.cfg.Commands.Prefix
	if !private {
		prefix = r.cfg.ChannelPrefix(ev.Target)
	}
	prefixed := strings.HasPrefix(text, prefix)
	if prefixed {
		text = text[len(prefix):]
	} else if !private {
		return NotCommand, nil
	}

	name, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)
	if name == "" {
		return NotCommand, nil
	}

	inv := &plugin.Invocation{
		Identity: ev.Source,
		Nick:     ev.Nick,
		Target:   ev.Target,
		Private:  private,
		Name:     strings.ToLower(name),
		Args:     args,
		Event:    ev,
	}

	cmd, ok := r.commands.Lookup(name)
	if !ok {
		// plain private chatter, including other bots' replies, is not a command
		if !prefixed {
			return NotCommand, nil
		}
		r.logger.Debug("unknown command", "command", name, "nick", ev.Nick)
		if !r.cfg.Commands.QuietUnknown {
			r.notice(inv, r.cfg.Commands.UnknownReply)
		}
		return Unknown, nil
	}
	spec := cmd.Spec

	level, allowed := r.policy.Decide(ev.Source, spec.Level)
	inv.Level = level
	if !allowed {
		err := oops.Code("PERMISSION_DENIED").
			With("command", spec.Name).
			With("identity", ev.Source).
			With("level", level).
			With("required", spec.Level).
			Wrap(ErrPermissionDenied)
		logging.LogError(r.logger, "command denied", err)
		if r.cfg.Commands.NotifyDenied && r.sender != nil {
			_ = r.sender.Notice(ev.Nick, fmt.Sprintf("Permission denied: %s requires level %d", spec.Name, spec.Level))
		}
		return Denied, err
	}

	if spec.Arity > 0 {
		slots, err := Split(args, spec.Arity)
		if err != nil {
			if oe, ok := oops.AsOops(err); ok && oe.Code() == "UNTERMINATED_QUOTE" {
				r.reply(inv, "Missing closing quotation mark")
			} else {
				r.reply(inv, r.usage(prefix, spec))
			}
			return Usage, err
		}
		inv.Slots = slots
		if len(slots) < spec.Required {
			r.reply(inv, r.usage(prefix, spec))
			return Usage, oops.Code("MISSING_ARGUMENTS").
				With("command", spec.Name).
				With("required", spec.Required).
				With("given", len(slots)).
				Wrap(ErrMissingArguments)
		}
	} else if spec.Required > 0 && args == "" {
		r.reply(inv, r.usage(prefix, spec))
		return Usage, oops.Code("MISSING_ARGUMENTS").With("command", spec.Name).Wrap(ErrMissingArguments)
	}

	if err := r.invoke(ctx, cmd, inv); err != nil {
		logging.LogError(r.logger, "command failed", err, "command", spec.Name, "plugin", cmd.Plugin)
		return Failed, err
	}
	r.logger.Info("command executed", "command", spec.Name, "plugin", cmd.Plugin, "nick", ev.Nick)
	return Invoked, nil
}

func (r *Router) invoke(ctx context.Context, cmd plugin.Command, inv *plugin.Invocation) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.Code("HANDLER_PANIC").
				With("command", cmd.Spec.Name).
				With("plugin", cmd.Plugin).
				With("panic", fmt.Sprint(rec)).
				Wrap(event.ErrHandlerFailed)
		}
	}()
	if herr := cmd.Invoke(ctx, inv); herr != nil {
		return oops.Code("HANDLER_FAILED").
			With("command", cmd.Spec.Name).
			With("plugin", cmd.Plugin).
			Wrap(fmt.Errorf("%w: %w", event.ErrHandlerFailed, herr))
	}
	return nil
}

func (r *Router) usage(prefix string, spec plugin.CommandSpec) string {
	if spec.Usage == "" {
		return fmt.Sprintf("Usage: %s%s", prefix, spec.Name)
	}
	return fmt.Sprintf("Usage: %s%s %s", prefix, spec.Name, spec.Usage)
}

// reply answers in the channel addressed to the invoker, or privately
func (r *Router) reply(inv *plugin.Invocation, text string) {
	r.answer(inv, text, false)
}

// notice is reply as a NOTICE, which other clients must not answer
func (r *Router) notice(inv *plugin.Invocation, text string) {
	r.answer(inv, text, true)
}

func (r *Router) answer(inv *plugin.Invocation, text string, notice bool) {
	if r.sender == nil || text == "" {
		return
	}
	if !inv.Private {
		text = inv.Nick + ": " + text
	}
	send := r.sender.Privmsg
	if notice {
		send = r.sender.Notice
	}
	if err := send(inv.ReplyTo(), text); err != nil {
		r.logger.Debug("reply not sent", "error", err)
	}
}
