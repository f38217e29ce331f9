package irc

import (
	"fmt"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/samber/oops"
)

// ProtocolMessage is one parsed protocol line. Treat it as read-only.
type ProtocolMessage struct {
	Tags        map[string]string
	Source      string
	Command     string
	Params      []string // middle parameters
	Trailing    string
	HasTrailing bool
}

// ParseMessage decodes a single line, with or without its terminator.
// Everything after the first " :" is one parameter, kept literally.
func ParseMessage(line string) (*ProtocolMessage, error) {
	line = strings.TrimRight(line, "\r\n")

	parsed, err := ircmsg.ParseLine(line)
	if err != nil {
		return nil, oops.Code("MALFORMED_MESSAGE").
			With("line", line).
			Wrap(fmt.Errorf("%w: %w", ErrMalformedMessage, err))
	}

	msg := &ProtocolMessage{
		Tags:    parsed.AllTags(),
		Source:  parsed.Source,
		Command: strings.ToUpper(parsed.Command),
		Params:  parsed.Params,
	}

	if n := len(parsed.Params); n > 0 {
		last := parsed.Params[n-1]
		// ircmsg folds the trailing parameter into Params; recover it
		if strings.HasSuffix(line, " :"+last) {
			msg.Params = parsed.Params[:n-1]
			msg.Trailing = last
			msg.HasTrailing = true
		}
	}
	return msg, nil
}

// NewMessage builds an outgoing message. The last argument is sent as trailing.
func NewMessage(command string, params ...string) *ProtocolMessage {
	msg := &ProtocolMessage{Command: strings.ToUpper(command)}
	if n := len(params); n > 0 {
		msg.Params = params[:n-1]
		msg.Trailing = params[n-1]
		msg.HasTrailing = true
	}
	return msg
}

// AllParams returns the middle parameters followed by the trailing one, if any
func (m *ProtocolMessage) AllParams() []string {
	out := make([]string, 0, len(m.Params)+1)
	out = append(out, m.Params...)
	if m.HasTrailing {
		out = append(out, m.Trailing)
	}
	return out
}

// Param returns parameter i of AllParams, or "" when out of range
func (m *ProtocolMessage) Param(i int) string {
	all := m.AllParams()
	if i < 0 || i >= len(all) {
		return ""
	}
	return all[i]
}

// Nick is the nickname part of the source
func (m *ProtocolMessage) Nick() string {
	nuh, err := ircmsg.ParseNUH(m.Source)
	if err != nil {
		return m.Source
	}
	return nuh.Name
}

// Line serializes the message without the terminator
func (m *ProtocolMessage) Line() (string, error) {
	out := ircmsg.MakeMessage(m.Tags, m.Source, m.Command, m.AllParams()...)
	if m.HasTrailing {
		out.ForceTrailing()
	}
	line, err := out.Line()
	if err != nil {
		return "", oops.Code("MESSAGE_ENCODE").With("command", m.Command).Wrap(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// String is Line without the error, for logging
func (m *ProtocolMessage) String() string {
	line, err := m.Line()
	if err != nil {
		return m.Command
	}
	return line
}
