package core

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/dalnet/dunamis/internal/plugin"
)

// login checks name and password against the configured admin accounts. A
// successful login elevates the caller's identity and WATCHes their nick so the
// session ends when they sign off.
func (p *Plugin) login(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	if !inv.Private {
		return pctx.Reply(inv, "Please log in by private message")
	}
	if pctx.Sessions == nil {
		return pctx.Reply(inv, "Logins are disabled")
	}

	name, password := inv.Slot(0), inv.Slot(1)
	if !p.checkPassword(name, password) {
		pctx.Logger.Warn("incorrect login attempt", "identity", inv.Identity, "account", name)
		return pctx.Reply(inv, "Password incorrect")
	}

	pctx.Sessions.Elevate(inv.Identity)
	p.mu.Lock()
	p.admins[strings.ToLower(inv.Nick)] = inv.Identity
	p.mu.Unlock()

	if pctx.Sender != nil {
		_ = pctx.Sender.Send("WATCH", "+"+inv.Nick)
	}
	pctx.Logger.Info("admin logged in", "identity", inv.Identity, "account", name)
	return pctx.Reply(inv, fmt.Sprintf("Password accepted, you are now an admin. Type %shelp <command> for details on admin commands", p.cfg.Commands.Prefix))
}

func (p *Plugin) logout(_ context.Context, pctx *plugin.Context, inv *plugin.Invocation) error {
	if pctx.Sessions == nil || !p.dropSession(pctx, inv.Nick) {
		return pctx.Reply(inv, "You're not logged in!")
	}
	pctx.Logger.Info("admin logged out", "identity", inv.Identity)
	return pctx.Reply(inv, "You have been logged out")
}

// dropSession ends the session held under nick, reporting whether there was one
func (p *Plugin) dropSession(pctx *plugin.Context, nick string) bool {
	key := strings.ToLower(nick)
	p.mu.Lock()
	identity, ok := p.admins[key]
	delete(p.admins, key)
	p.mu.Unlock()
	if !ok {
		return false
	}

	if pctx.Sessions != nil {
		pctx.Sessions.Revoke(identity)
	}
	if pctx.Sender != nil {
		_ = pctx.Sender.Send("WATCH", "-"+nick)
	}
	return true
}

func (p *Plugin) checkPassword(name, password string) bool {
	for _, acct := range p.cfg.Admins {
		if strings.EqualFold(acct.Name, name) {
			return bcrypt.CompareHashAndPassword([]byte(acct.Hash), []byte(password)) == nil
		}
	}
	// equal work whether or not the account exists
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
	return false
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dunamis"), bcrypt.MinCost)
