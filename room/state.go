package room

// State is the lifecycle position of one room view.
type State int

const (
	Uninitialized State = iota
	HistoryLoading
	HistoryLoaded
	Connecting
	Connected
	Disconnected
	Reconnecting
	Failed // fatal error, redirect pending
	Closed
)

var stateNames = [...]string{
	Uninitialized:  "uninitialized",
	HistoryLoading: "history-loading",
	HistoryLoaded:  "history-loaded",
	Connecting:     "connecting",
	Connected:      "connected",
	Disconnected:   "disconnected",
	Reconnecting:   "reconnecting",
	Failed:         "failed",
	Closed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
