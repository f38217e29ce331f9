package irc

// State is the connection state of a Client
type State int

const (
	Disconnected State = iota
	Connecting
	Registering
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registering:
		return "registering"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// allowed lists the legal transitions. Stop may move any state to Disconnected.
var allowed = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Registering, Reconnecting, Disconnected},
	Registering:  {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
