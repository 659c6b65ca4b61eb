package connector

import "time"

// State is the connection state of one logical push subscription.
type State int

const (
	StateOffline State = iota
	StateConnecting
	StateOnline
	StateDegraded
	StateLost
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// TopicState tracks liveness of one subscription. Transitions are driven
// only by the Manager; the supervisory loop reads them to decide whether to
// reconnect.
type TopicState struct {
	State        State
	LastActivity time.Time
	Subscribed   bool
	Failures     int
}
