package realtime

type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosing
	ChannelReconnecting
)

func (self ChannelState) String() string {
	switch self {
	case ChannelClosed:
		return "closed"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type fsmInput int

const (
	// manual connect or reconnect. resets the retry budget.
	inputDial fsmInput = iota
	inputOpened
	// intentional close completed, or close observed while closing
	inputCleanClose
	// dial failure or any close the client did not initiate, including
	// a graceful close by the server
	inputUncleanClose
	inputRetryTimer
	// page/app became visible. a fresh signal, not a retry.
	inputVisible
	inputDisconnect
)

type fsmAction int

const (
	actionNone fsmAction = iota
	// tear down any existing connection and start a dial attempt
	actionDial
	// arm the fixed-delay retry timer
	actionScheduleRetry
	// close the underlying connection with a normal close code
	actionTeardown
)

// channelFSM holds the pure reconnection state machine. it performs no
// i/o and arms no timers itself, which keeps every transition testable
// without a network. the Channel drives it and executes the actions.
type channelFSM struct {
	state       ChannelState
	retryBudget int
	retriesLeft int
}

func newChannelFSM(retryBudget int) *channelFSM {
	return &channelFSM{
		state:       ChannelClosed,
		retryBudget: retryBudget,
		retriesLeft: retryBudget,
	}
}

func (self *channelFSM) next(input fsmInput) fsmAction {
	switch input {
	case inputDial:
		self.retriesLeft = self.retryBudget
		self.state = ChannelConnecting
		return actionDial
	case inputOpened:
		if self.state == ChannelClosing || self.state == ChannelClosed {
			// superseded by a disconnect while dialing
			return actionTeardown
		}
		self.retriesLeft = self.retryBudget
		self.state = ChannelOpen
		return actionNone
	case inputCleanClose:
		self.state = ChannelClosed
		return actionNone
	case inputUncleanClose:
		if self.state == ChannelClosing || self.state == ChannelClosed {
			self.state = ChannelClosed
			return actionNone
		}
		if self.retriesLeft <= 0 {
			// budget exhausted. terminal until a manual reconnect
			// or a visibility regain.
			self.state = ChannelClosed
			return actionNone
		}
		self.state = ChannelReconnecting
		return actionScheduleRetry
	case inputRetryTimer:
		if self.state != ChannelReconnecting {
			// a manual dial or disconnect got there first
			return actionNone
		}
		self.retriesLeft -= 1
		self.state = ChannelConnecting
		return actionDial
	case inputVisible:
		switch self.state {
		case ChannelOpen, ChannelConnecting, ChannelClosing:
			return actionNone
		default:
			// dial immediately without consuming the budget
			self.state = ChannelConnecting
			return actionDial
		}
	case inputDisconnect:
		switch self.state {
		case ChannelOpen, ChannelConnecting, ChannelReconnecting:
			self.state = ChannelClosing
			return actionTeardown
		default:
			self.state = ChannelClosed
			return actionNone
		}
	default:
		return actionNone
	}
}
