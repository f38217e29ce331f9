// Package poll runs one poll per channel. Polls are stored as YAML documents so
// an open poll survives a restart or a plugin reload.
package poll

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/dalnet/dunamis/internal/command"
	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/plugin"
	"github.com/dalnet/dunamis/internal/storage"
)

const (
	Name    = "poll"
	Version = "1.0.0"
)

var defaultOptions = []string{"yes", "no"}

// Poll is the stored state of a channel's poll
type Poll struct {
	Question string            `yaml:"question"`
	Options  []string          `yaml:"options"`
	Votes    map[string]string `yaml:"votes"` // lowercased nick -> option
	Creator  string            `yaml:"creator"`
	Created  time.Time         `yaml:"created"`
	Open     bool              `yaml:"open"`
}

// Tally counts votes per option, in option order
func (p *Poll) Tally() []int {
	counts := make([]int, len(p.Options))
	for _, choice := range p.Votes {
		for i, opt := range p.Options {
			if opt == choice {
				counts[i]++
				break
			}
		}
	}
	return counts
}

// Resolve maps a vote to one of the options, by name or 1-based number
func (p *Poll) Resolve(vote string) (string, bool) {
	vote = strings.TrimSpace(vote)
	if n, err := strconv.Atoi(vote); err == nil {
		if n >= 1 && n <= len(p.Options) {
			return p.Options[n-1], true
		}
		return "", false
	}
	for _, opt := range p.Options {
		if strings.EqualFold(opt, vote) {
			return opt, true
		}
	}
	return "", false
}

type Plugin struct {
	mu  sync.Mutex
	now func() time.Time
}

func New() *Plugin { return &Plugin{now: time.Now} }

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    Name,
		Version: Version,
		Summary: "channel polls",
		Commands: []plugin.CommandSpec{
			{
				Name: "poll", Level: 1, Arity: 2, Required: 1,
				Usage:   `<create|close|results> ["question" option...]`,
				Help:    "starts, closes or shows the poll of this channel",
				Handler: p.poll,
			},
			{Name: "vote", Arity: 1, Required: 1, Usage: "<option>", Help: "votes in this channel's poll", Handler: p.vote},
		},
	}
}

func (p *Plugin) Init(_ context.Context, pctx *plugin.Context) error {
	if pctx.Store == nil {
		return oops.Code("STORE_REQUIRED").With("plugin", Name).Errorf("poll needs a store")
	}
	return nil
}

func (p *Plugin) Teardown(context.Context) error { return nil }

func (p *Plugin) HandleEvent(context.Context, *plugin.Context, event.Event) error { return nil }

func pollKey(channel string) string {
	return strings.ToLower(channel)
}

func load(ctx context.Context, store storage.Store, channel string) (*Poll, error) {
	raw, ok, err := store.Get(ctx, pollKey(channel))
	if err != nil {
		return nil, oops.Code("POLL_READ").With("channel", channel).Wrap(err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var poll Poll
	if err := yaml.Unmarshal([]byte(raw), &poll); err != nil {
		return nil, oops.Code("POLL_DECODE").With("channel", channel).Wrap(err)
	}
	if poll.Votes == nil {
		poll.Votes = make(map[string]string)
	}
	return &poll, nil
}

func save(ctx context.Context, store storage.Store, channel string, poll *Poll) error {
	raw, err := yaml.Marshal(poll)
	if err != nil {
		return oops.Code("POLL_ENCODE").With("channel", channel).Wrap(err)
	}
	if err := store.Put(ctx, pollKey(channel), string(raw)); err != nil {
		return oops.Code("POLL_WRITE").With("channel", channel).Wrap(err)
	}
	return nil
}

func (p *Plugin) poll(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	if inv.Private {
		return pctx.Reply(inv, "Polls run in channels")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch action := strings.ToLower(inv.Slot(0)); action {
	case "create":
		return p.create(ctx, pctx, inv)
	case "close":
		return p.close(ctx, pctx, inv)
	case "results":
		current, err := load(ctx, pctx.Store, inv.Target)
		if err != nil {
			return err
		}
		if current == nil {
			return pctx.Reply(inv, "There is no poll here")
		}
		return pctx.Reply(inv, results(current))
	default:
		return pctx.Reply(inv, fmt.Sprintf("Error: unknown subcommand: %s - available subcommands: create, close, results", action))
	}
}

func (p *Plugin) create(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	fields, err := command.Split(inv.Slot(1), 0)
	if err != nil {
		if oe, ok := oops.AsOops(err); ok && oe.Code() == "UNTERMINATED_QUOTE" {
			return pctx.Reply(inv, "Missing closing quotation mark")
		}
		return err
	}
	if len(fields) == 0 || fields[0] == "" {
		return pctx.Reply(inv, "A poll needs a question")
	}

	options := dedupe(fields[1:])
	switch len(options) {
	case 0:
		options = append([]string(nil), defaultOptions...)
	case 1:
		return pctx.Reply(inv, "A poll needs at least two options")
	}

	current, err := load(ctx, pctx.Store, inv.Target)
	if err != nil {
		return err
	}
	if current != nil && current.Open {
		return pctx.Reply(inv, fmt.Sprintf("A poll is already running here: %s", current.Question))
	}

	next := &Poll{
		Question: fields[0],
		Options:  options,
		Votes:    make(map[string]string),
		Creator:  inv.Nick,
		Created:  p.now().UTC(),
		Open:     true,
	}
	if err := save(ctx, pctx.Store, inv.Target, next); err != nil {
		return err
	}
	pctx.Logger.Info("poll created", "channel", inv.Target, "creator", inv.Nick, "options", len(options))

	numbered := make([]string, len(options))
	for i, opt := range options {
		numbered[i] = fmt.Sprintf("%d. %s", i+1, opt)
	}
	return pctx.Reply(inv, fmt.Sprintf("Poll started: %s Options: %s - vote with %svote <option>",
		next.Question, strings.Join(numbered, ", "), votePrefix(pctx, inv.Target)))
}

func (p *Plugin) close(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	current, err := load(ctx, pctx.Store, inv.Target)
	if err != nil {
		return err
	}
	if current == nil || !current.Open {
		return pctx.Reply(inv, "There is no open poll here")
	}
	current.Open = false
	if err := save(ctx, pctx.Store, inv.Target, current); err != nil {
		return err
	}
	return pctx.Reply(inv, "Poll closed. "+results(current))
}

func (p *Plugin) vote(ctx context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	if inv.Private {
		return pctx.Reply(inv, "Vote in the channel running the poll")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := load(ctx, pctx.Store, inv.Target)
	if err != nil {
		return err
	}
	if current == nil || !current.Open {
		return pctx.Reply(inv, "There is no open poll here")
	}
	choice, ok := current.Resolve(inv.Slot(0))
	if !ok {
		return pctx.Reply(inv, fmt.Sprintf("No such option: %s", inv.Slot(0)))
	}

	voter := strings.ToLower(inv.Nick)
	previous, changed := current.Votes[voter]
	current.Votes[voter] = choice
	if err := save(ctx, pctx.Store, inv.Target, current); err != nil {
		return err
	}
	if changed && previous != choice {
		return pctx.Notify(inv, fmt.Sprintf("Vote changed from %s to %s", previous, choice))
	}
	return pctx.Notify(inv, fmt.Sprintf("Vote recorded: %s", choice))
}

func results(poll *Poll) string {
	counts := poll.Tally()
	total := 0
	parts := make([]string, len(poll.Options))
	for i, opt := range poll.Options {
		parts[i] = fmt.Sprintf("%s %d", opt, counts[i])
		total += counts[i]
	}
	noun := "votes"
	if total == 1 {
		noun = "vote"
	}
	return fmt.Sprintf("Results for %q: %s (%d %s)", poll.Question, strings.Join(parts, ", "), total, noun)
}

func votePrefix(pctx *plugin.Context, channel string) string {
	if pctx.Config == nil {
		return "!"
	}
	return pctx.Config.ChannelPrefix(channel)
}

func dedupe(options []string) []string {
	seen := make(map[string]bool, len(options))
	out := make([]string, 0, len(options))
	for _, opt := range options {
		key := strings.ToLower(opt)
		if opt == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, opt)
	}
	return out
}
