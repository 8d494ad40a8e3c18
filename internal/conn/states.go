package conn

// State is the lifecycle position of one peer connection record.
//
//	Idle → Offering|Answering → Connecting → Connected
//	Connected → Disconnected → Closed   (grace expiry)
//	Connecting|Connected → Failed → Closed
type State int

const (
	// StateIdle is a record created for a discovered peer that has not
	// entered negotiation yet. The side that lost the offerer tiebreak
	// sits here until the remote offer arrives.
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateOffering:     "offering",
	StateAnswering:    "answering",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDisconnected: "disconnected",
	StateFailed:       "failed",
	StateClosed:       "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// negotiating reports whether the record is mid offer/answer exchange.
func (s State) negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

// terminal reports whether the record can never progress again.
func (s State) terminal() bool {
	return s == StateFailed || s == StateClosed
}
