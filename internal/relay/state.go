package relay

import "fmt"

// State is the lifecycle of a relay connection.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingAllocate
	Allocated
	Closing
	Closed
)

var stateNames = [...]string{
	Disconnected:     "disconnected",
	Connecting:       "connecting",
	AwaitingAllocate: "awaiting_allocate",
	Allocated:        "allocated",
	Closing:          "closing",
	Closed:           "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
