// Package event classifies protocol messages into typed events and delivers them
// to subscribers in a fixed order.
package event

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dalnet/dunamis/internal/irc"
)

// Kind names an event variant
type Kind string

const (
	KindConnected      Kind = "connected"
	KindDisconnected   Kind = "disconnected"
	KindChannelMessage Kind = "channel_message"
	KindPrivateMessage Kind = "private_message"
	KindJoin           Kind = "join"
	KindPart           Kind = "part"
	KindNick           Kind = "nick"
	KindMode           Kind = "mode"
	KindPing           Kind = "ping"
	KindRaw            Kind = "raw"
)

// Kinds lists every variant
var Kinds = []Kind{
	KindConnected, KindDisconnected, KindChannelMessage, KindPrivateMessage,
	KindJoin, KindPart, KindNick, KindMode, KindPing, KindRaw,
}

// Event is one classified occurrence. Which fields are set depends on Kind:
//
//	ChannelMessage, PrivateMessage: Source, Nick, Target, Text
//	Join: Source, Nick, Channel
//	Part: Source, Nick, Channel, Reason
//	Nick: Source, Nick, NewNick
//	Mode: Source, Nick, Target, Modes
//	Ping: Text
//	Disconnected: Reason
//	Raw: Message only
type Event struct {
	ID      ulid.ULID
	Kind    Kind
	Time    time.Time
	Message *irc.ProtocolMessage // nil for Connected and Disconnected

	Source  string // nick!user@host
	Nick    string
	Channel string
	Target  string
	Text    string
	NewNick string
	Modes   []string
	Reason  string
}

func newEvent(kind Kind, msg *irc.ProtocolMessage) Event {
	return Event{ID: ulid.Make(), Kind: kind, Time: time.Now(), Message: msg}
}

// IsChannel reports whether target names a channel
func IsChannel(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}

// Classify maps a protocol message to its event. Unrecognized commands become Raw.
func Classify(msg *irc.ProtocolMessage) Event {
	switch msg.Command {
	case "PRIVMSG":
		target := msg.Param(0)
		kind := KindPrivateMessage
		if IsChannel(target) {
			kind = KindChannelMessage
		}
		ev := withSource(newEvent(kind, msg))
		ev.Target = target
		ev.Text = msg.Param(1)
		return ev
	case "JOIN":
		ev := withSource(newEvent(KindJoin, msg))
		ev.Channel = msg.Param(0)
		return ev
	case "PART":
		ev := withSource(newEvent(KindPart, msg))
		ev.Channel = msg.Param(0)
		ev.Reason = msg.Param(1)
		return ev
	case "NICK":
		ev := withSource(newEvent(KindNick, msg))
		ev.NewNick = msg.Param(0)
		return ev
	case "MODE":
		ev := withSource(newEvent(KindMode, msg))
		all := msg.AllParams()
		if len(all) > 0 {
			ev.Target = all[0]
			ev.Modes = append([]string(nil), all[1:]...)
		}
		return ev
	case "PING":
		ev := newEvent(KindPing, msg)
		all := msg.AllParams()
		if len(all) > 0 {
			ev.Text = all[len(all)-1]
		}
		return ev
	}
	return newEvent(KindRaw, msg)
}

func withSource(ev Event) Event {
	ev.Source = ev.Message.Source
	ev.Nick = ev.Message.Nick()
	return ev
}
