package irc

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// handlerFunc reacts to a protocol message before the sink sees it. Returning
// true keeps the message away from the sink.
type handlerFunc func(ctx context.Context, msg *ProtocolMessage) (consumed bool)

/*
Protocol handlers:

- PING: answered with PONG through the outbound queue, then published
- PONG: clears the keepalive miss counter when the token matches; stale ones are ignored
- 001 (RPL_WELCOME): Registering -> Connected, then identify, OPER, user modes, auto-join
- 432/433: nickname rejected during registration, try the next configured one
- NICK: track our own nick changes
- ERROR: the server is closing the link, end the session
- CAP/AUTHENTICATE/902-907: SASL PLAIN exchange
- PRIVMSG: CTCP VERSION reply
*/
func (c *Client) registerHandlers() {
	c.handlers = map[string]handlerFunc{
		"PING":         c.onPing,
		"PONG":         c.onPong,
		"001":          c.onWelcome,
		"432":          c.onNickRejected,
		"433":          c.onNickRejected,
		"NICK":         c.onNick,
		"ERROR":        c.onError,
		"CAP":          c.onCap,
		"AUTHENTICATE": c.onAuthenticate,
		"902":          c.onSASLDone,
		"903":          c.onSASLDone,
		"904":          c.onSASLDone,
		"905":          c.onSASLDone,
		"906":          c.onSASLDone,
		"907":          c.onSASLDone,
		"PRIVMSG":      c.onCtcpVersion,
	}
}

func (c *Client) handle(ctx context.Context, msg *ProtocolMessage) {
	if h := c.handlers[msg.Command]; h != nil && h(ctx, msg) {
		return
	}
	c.sink.Publish(ctx, msg)
}

func (c *Client) onPing(_ context.Context, msg *ProtocolMessage) bool {
	if err := c.Send("PONG", msg.AllParams()...); err != nil {
		c.logger.Warn("could not answer ping", "error", err)
	}
	return false
}

func (c *Client) onPong(_ context.Context, msg *ProtocolMessage) bool {
	all := msg.AllParams()
	if len(all) == 0 {
		return true
	}
	token := all[len(all)-1]

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingOutstanding && token == c.pingToken {
		c.pingOutstanding = false
		c.missed = 0
		return true
	}
	c.logger.Debug("ignoring stale pong", "token", token)
	return true
}

func (c *Client) onWelcome(ctx context.Context, msg *ProtocolMessage) bool {
	c.mu.Lock()
	c.welcomed = true
	if nick := msg.Param(0); nick != "" {
		c.nick = nick
	}
	nick := c.nick
	c.mu.Unlock()

	c.logger.Info("connected to IRC server", "server", msg.Source, "nick", nick)
	c.transition(ctx, Connected, nil)

	// Identify to NickServ
	if c.cfg.Auth.Mechanism == "nickserv" && c.cfg.Auth.Password != "" {
		account := c.cfg.Auth.Username
		if account == "" {
			account = nick
		}
		_ = c.Privmsg("NickServ", fmt.Sprintf("IDENTIFY %s %s", account, c.cfg.Auth.Password))
	}

	// OPER up
	if c.cfg.Oper.Name != "" && c.cfg.Oper.Password != "" {
		_ = c.Send("OPER", c.cfg.Oper.Name, c.cfg.Oper.Password)
	}

	for _, modes := range c.cfg.UserModes {
		_ = c.Mode(nick, modes)
	}
	for _, ch := range c.cfg.Channels {
		_ = c.Join(ch.Name, ch.Key)
	}

	c.logger.Info("bot initialization complete")
	return false
}

func (c *Client) onNickRejected(_ context.Context, msg *ProtocolMessage) bool {
	c.mu.Lock()
	if c.state != Registering {
		c.mu.Unlock()
		return false
	}
	nicks := c.cfg.Identity.Nicknames
	c.nickIdx++
	var next string
	if c.nickIdx < len(nicks) {
		next = nicks[c.nickIdx]
	} else {
		next = c.nick + "_"
	}
	rejected := c.nick
	c.nick = next
	c.mu.Unlock()

	c.logger.Info("nick unavailable, switching to alternate", "rejected", rejected, "nick", next, "numeric", msg.Command)
	_ = c.SetNick(next)
	return false
}

func (c *Client) onNick(_ context.Context, msg *ProtocolMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.EqualFold(msg.Nick(), c.nick) {
		c.nick = msg.Param(0)
	}
	return false
}

func (c *Client) onError(_ context.Context, msg *ProtocolMessage) bool {
	c.mu.Lock()
	cancel := c.session
	c.mu.Unlock()

	reason := msg.Param(0)
	c.logger.Warn("server closed the link", "reason", reason)
	if cancel != nil {
		cancel(oops.Code("SERVER_ERROR").With("reason", reason).Wrap(ErrServerClosed))
	}
	return false
}

func (c *Client) onCap(_ context.Context, msg *ProtocolMessage) bool {
	// CAP <nick> <subcommand> :<caps>
	sub := strings.ToUpper(msg.Param(1))
	caps := strings.Fields(msg.Param(2))

	switch sub {
	case "ACK":
		for _, cp := range caps {
			if strings.EqualFold(cp, "sasl") {
				_ = c.Send("AUTHENTICATE", "PLAIN")
				return true
			}
		}
	case "NAK":
		c.logger.Warn("server refused sasl", "caps", caps)
		_ = c.Send("CAP", "END")
	}
	return true
}

func (c *Client) onAuthenticate(_ context.Context, msg *ProtocolMessage) bool {
	if msg.Param(0) != "+" {
		return true
	}

	user := c.cfg.Auth.Username
	if user == "" {
		user = c.Nick()
	}
	payload := base64.StdEncoding.EncodeToString([]byte(user + "\x00" + user + "\x00" + c.cfg.Auth.Password))

	// payloads go out in 400 byte chunks; an exact multiple ends with "+"
	for len(payload) >= 400 {
		_ = c.Send("AUTHENTICATE", payload[:400])
		payload = payload[400:]
	}
	if payload == "" {
		payload = "+"
	}
	_ = c.Send("AUTHENTICATE", payload)
	return true
}

func (c *Client) onSASLDone(_ context.Context, msg *ProtocolMessage) bool {
	if msg.Command == "903" {
		c.logger.Info("sasl authentication succeeded")
	} else {
		c.logger.Warn("sasl authentication failed", "numeric", msg.Command, "message", msg.Param(len(msg.AllParams())-1))
	}
	_ = c.Send("CAP", "END")
	return false
}

func (c *Client) onCtcpVersion(_ context.Context, msg *ProtocolMessage) bool {
	text := msg.Param(1)
	if text != "\x01VERSION\x01" && text != "\x01VERSION" {
		return false
	}
	reply := fmt.Sprintf("dunamis %s (built %s, commit %s)", Version, BuildDate, GitCommit)
	_ = c.Send("NOTICE", msg.Nick(), "\x01VERSION "+reply+"\x01")
	return true
}
