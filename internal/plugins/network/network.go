// Package network answers questions about the IRC network's server links,
// comparing a live LINKS reply with a hand-maintained routing map.
package network

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/plugin"
)

const (
	Name    = "network"
	Version = "1.0.0"
)

var ErrNoRoot = errors.New("no root server in links reply")

// request is a LINKS query waiting for RPL_ENDOFLINKS
type request struct {
	inv     plugin.Invocation
	summary bool
	tree    *Tree
}

type Plugin struct {
	mu      sync.Mutex
	pending *request
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:    Name,
		Version: Version,
		Summary: "server link tree and routing map",
		Events:  []event.Kind{event.KindRaw},
		Commands: []plugin.CommandSpec{
			{Name: "links", Help: "shows the server tree and which mapped servers are missing", Handler: p.links},
			{Name: "summary", Help: "shows only which mapped servers are missing", Handler: p.links},
			{Name: "map", Help: "sends the routing map privately", Handler: p.showMap},
			{Name: "uplinks", Arity: 1, Required: 1, Usage: "<server>", Help: "shows a server's assigned hubs", Handler: p.uplinks},
		},
	}
}

func (p *Plugin) Init(context.Context, *plugin.Context) error { return nil }

func (p *Plugin) Teardown(context.Context) error {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
	return nil
}

func (p *Plugin) mapPath(pctx *plugin.Context) string {
	dir := "."
	if pctx.Config != nil && pctx.Config.DataDir != "" {
		dir = pctx.Config.DataDir
	}
	return filepath.Join(dir, MapFile)
}

func (p *Plugin) links(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	p.mu.Lock()
	busy := p.pending != nil
	if !busy {
		p.pending = &request{inv: *inv, summary: inv.Name == "summary", tree: NewTree()}
	}
	p.mu.Unlock()
	if busy {
		return pctx.Reply(inv, "A LINKS request is already running, try again shortly")
	}
	if err := pctx.Sender.Send("LINKS"); err != nil {
		p.mu.Lock()
		p.pending = nil
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Plugin) HandleEvent(_ context.Context, pctx *plugin.Context, ev event.Event) error {
	if ev.Kind != event.KindRaw || ev.Message == nil {
		return nil
	}
	switch msg := ev.Message; msg.Command {
	case "364": // RPL_LINKS <me> <server> <hub> :<hops> <description>
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.pending == nil {
			return nil
		}
		hopsText, desc, _ := strings.Cut(msg.Param(3), " ")
		hops, _ := strconv.Atoi(hopsText)
		p.pending.tree.Add(Link{Server: msg.Param(1), Hub: msg.Param(2), Hops: hops, Description: desc})
	case "365": // RPL_ENDOFLINKS
		p.mu.Lock()
		req := p.pending
		p.pending = nil
		p.mu.Unlock()
		if req == nil {
			return nil
		}
		return p.report(pctx, req, msg.Source)
	}
	return nil
}

func (p *Plugin) report(pctx *plugin.Context, req *request, server string) error {
	rmap, err := LoadRoutingMap(p.mapPath(pctx))
	if err != nil {
		pctx.Logger.Warn("routing map unreadable", "error", err)
		rmap = &RoutingMap{}
	}

	var lines []string
	if !req.summary {
		tree, err := req.tree.Render()
		if err != nil {
			lines = append(lines, "Error: "+err.Error())
		}
		lines = append(lines, tree...)
		lines = append(lines,
			"End of server list.",
			fmt.Sprintf("Note - the tree above is the network as seen from %s", server))
	}

	cmp := req.tree.Compare(rmap)
	lines = append(lines,
		fmt.Sprintf("Total servers: %d", cmp.Expected),
		fmt.Sprintf("Linked servers: %d", cmp.Linked))
	if len(cmp.Missing) > 0 {
		lines = append(lines, fmt.Sprintf("Missing servers: %s (%d)", strings.Join(cmp.Missing, ", "), len(cmp.Missing)))
	} else {
		lines = append(lines, "No servers are currently missing")
	}

	inv := req.inv
	// trees are long; channels only get the summary lines
	if !inv.Private && !req.summary {
		inv.Private = true
	}
	return pctx.Reply(&inv, strings.Join(lines, "\n"))
}

func (p *Plugin) showMap(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	rmap, err := LoadRoutingMap(p.mapPath(pctx))
	if err != nil {
		return err
	}
	if len(rmap.Lines) == 0 {
		return pctx.Reply(inv, "No routing map is installed")
	}
	private := *inv
	private.Private = true
	return pctx.Reply(&private, strings.Join(rmap.Lines, "\n"))
}

func (p *Plugin) uplinks(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	rmap, err := LoadRoutingMap(p.mapPath(pctx))
	if err != nil {
		return err
	}
	s, ok := rmap.Uplinks(inv.Slot(0))
	if !ok {
		return pctx.Reply(inv, fmt.Sprintf("%s is not in the routing map", inv.Slot(0)))
	}
	if len(s.Uplinks) == 0 {
		return pctx.Reply(inv, fmt.Sprintf("%s has no assigned hubs", s.Name))
	}
	return pctx.Reply(inv, fmt.Sprintf("%s links to: %s", s.Name, strings.Join(s.Uplinks, ", ")))
}
