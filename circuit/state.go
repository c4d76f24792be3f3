package circuit

// ConnState is one of the five states in the circuit's lifetime
// automaton (spec.md §4.5).
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateConnected
	StateCleanShutdown
	StateAbortShutdown
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateCleanShutdown:
		return "clean_shutdown"
	case StateAbortShutdown:
		return "abort_shutdown"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transition is legal out of s.
func (s ConnState) terminal() bool {
	return s == StateDisconnected
}

// setStateLocked transitions the circuit to newState. Callers must
// already hold ci.mu. It refuses only a request into the current state
// and any transition out of the terminal disconnected state; every
// other from/to pair is accepted, so each caller checks its own
// starting state. Returns whether the transition actually happened.
func (ci *Circuit) setStateLocked(newState ConnState) bool {
	if ci.state.terminal() {
		return false
	}
	if ci.state == newState {
		return false
	}

	old := ci.state
	ci.state = newState
	ci.diagf("state %s -> %s", old, newState)

	// disconnect_notify fires exactly once, the first time the circuit
	// leaves connecting/connected/clean_shutdown toward abort_shutdown
	// or disconnected.
	if !ci.notifiedDisconnect && (newState == StateAbortShutdown || newState == StateDisconnected) {
		ci.notifiedDisconnect = true
		ci.collaborator.DisconnectNotify(ci)
	}

	return true
}

// connectOK is the connecting->connected transition.
func (ci *Circuit) connectOK() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.setStateLocked(StateConnected)
}

// connectFail is the connecting->disconnected transition.
func (ci *Circuit) connectFail() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.setStateLocked(StateDisconnected)
}

// initiateCleanShutdownLocked is the connected->clean_shutdown
// transition, driven either by an explicit user close or automatically
// when the last channel leaves (§4.5.2). Caller must hold ci.mu.
func (ci *Circuit) initiateCleanShutdownLocked() {
	if ci.state != StateConnected {
		return
	}
	ci.setStateLocked(StateCleanShutdown)
	ci.pokeFlush()
}

// peerLost is the {connecting,connected,clean_shutdown}->disconnected
// transition driven by a peer close or unrecoverable I/O error.
func (ci *Circuit) peerLost() {
	ci.mu.Lock()
	ci.setStateLocked(StateDisconnected)
	ci.pokeFlush()
	ci.signalFlushBlockLocked()
	ci.mu.Unlock()

	ci.finalizeAbortOnce.Do(func() {
		go ci.finalizeAbortShutdown()
	})
}
