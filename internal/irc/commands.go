package irc

import (
	"strings"

	"github.com/ergochat/irc-go/ircutils"
	"github.com/samber/oops"
)

// maxText bounds one PRIVMSG/NOTICE body so the full line stays under 512 bytes
const maxText = 400

// Send queues a command. The last parameter goes out as trailing.
func (c *Client) Send(command string, params ...string) error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return oops.Code("TRANSPORT_UNAVAILABLE").With("command", command).Wrap(ErrTransportUnavailable)
	}
	return c.sendOn(out, command, params...)
}

// SendRaw queues a preformatted line
func (c *Client) SendRaw(line string) error {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return oops.Code("TRANSPORT_UNAVAILABLE").Wrap(ErrTransportUnavailable)
	}
	return out.Send(line)
}

func (c *Client) sendOn(out *Outbound, command string, params ...string) error {
	line, err := NewMessage(command, params...).Line()
	if err != nil {
		return err
	}
	return out.Send(line)
}

// Privmsg sends text to target, one message per line of text
func (c *Client) Privmsg(target, text string) error {
	return c.sendText("PRIVMSG", target, text)
}

// Notice sends text to target as NOTICE, one message per line of text
func (c *Client) Notice(target, text string) error {
	return c.sendText("NOTICE", target, text)
}

func (c *Client) sendText(command, target, text string) error {
	for _, line := range strings.Split(text, "\n") {
		line = ircutils.SanitizeText(strings.TrimRight(line, "\r"), maxText)
		if line == "" {
			// an empty trailing parameter is rejected by most servers
			line = " "
		}
		if err := c.Send(command, target, line); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Join(channel, key string) error {
	if key != "" {
		return c.Send("JOIN", channel, key)
	}
	return c.Send("JOIN", channel)
}

func (c *Client) Part(channel, reason string) error {
	if reason != "" {
		return c.Send("PART", channel, reason)
	}
	return c.Send("PART", channel)
}

// SetNick asks the server for a new nickname. Nick() follows once the server confirms.
func (c *Client) SetNick(nick string) error {
	return c.Send("NICK", nick)
}

// Mode sets modes on a target, e.g. Mode(nick, "+i")
func (c *Client) Mode(target string, modes ...string) error {
	return c.Send("MODE", append([]string{target}, modes...)...)
}
