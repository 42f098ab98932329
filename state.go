package session

// State is the reconciled authentication state. Exactly one value holds at
// any time. It is owned by the Controller and mutated only through its
// transition function.
type State string

const (
	// StateInitializing is the initial state before the identity platform
	// reports whether a session exists.
	StateInitializing State = "initializing"
	// StateVerifying means an identity session was reported and
	// reconciliation against the backend has begun.
	StateVerifying State = "verifying_session"
	// StateSyncing means a backend sync call is in flight.
	StateSyncing State = "syncing"
	// StateAuthenticated means the backend confirmed an application user.
	StateAuthenticated State = "authenticated"
	// StateSessionOnly means an identity session exists but no backend user
	// record was found. It is transient and must resolve to
	// StateUnauthenticated within the same reconciliation pass.
	StateSessionOnly State = "session_only"
	// StateProductNotEnabled means identity and backend record are valid but
	// the account has no membership for the current product.
	StateProductNotEnabled State = "product_not_enabled"
	// StateUnauthenticated means no session exists.
	StateUnauthenticated State = "unauthenticated"
	// StateError means reconciliation failed or timed out.
	StateError State = "auth_error"
)

// States returns every known state in declaration order.
func States() []State {
	return []State{
		StateInitializing,
		StateVerifying,
		StateSyncing,
		StateAuthenticated,
		StateSessionOnly,
		StateProductNotEnabled,
		StateUnauthenticated,
		StateError,
	}
}

// IsValid checks if the state is one of the predefined values.
func (s State) IsValid() bool {
	switch s {
	case StateInitializing, StateVerifying, StateSyncing, StateAuthenticated,
		StateSessionOnly, StateProductNotEnabled, StateUnauthenticated, StateError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is stable, i.e. awaiting the next
// external event rather than the completion of a reconciliation pass. The
// watchdog only forces auth_error from non-terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case StateAuthenticated, StateUnauthenticated, StateProductNotEnabled:
		return true
	default:
		return false
	}
}

// IsLoading reports whether consuming UI should show a loading surface.
func (s State) IsLoading() bool {
	switch s {
	case StateInitializing, StateVerifying, StateSyncing:
		return true
	default:
		return false
	}
}

var stateTransitions = map[State]map[State]struct{}{
	StateInitializing: {
		StateVerifying:       {},
		StateUnauthenticated: {},
		StateError:           {},
	},
	StateVerifying: {
		StateSyncing:         {},
		StateUnauthenticated: {},
		StateError:           {},
	},
	StateSyncing: {
		StateAuthenticated:     {},
		StateSessionOnly:       {},
		StateProductNotEnabled: {},
		StateUnauthenticated:   {},
		StateError:             {},
	},
	StateSessionOnly: {
		StateUnauthenticated: {},
		StateError:           {},
	},
	StateProductNotEnabled: {
		StateVerifying:       {},
		StateSyncing:         {},
		StateUnauthenticated: {},
		StateError:           {},
	},
	StateAuthenticated: {
		StateVerifying:       {},
		StateSyncing:         {},
		StateUnauthenticated: {},
		StateError:           {},
	},
	StateUnauthenticated: {
		StateVerifying: {},
		StateSyncing:   {},
	},
	StateError: {
		StateVerifying:       {},
		StateSyncing:         {},
		StateUnauthenticated: {},
	},
}

func canTransition(from, to State) bool {
	if allowed, ok := stateTransitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}
