package chat

import "github.com/pkg/errors"

// State is a table of named states and the transitions allowed out of each.
// The relay uses one to decide which frame types a connection may send; the
// client driver uses one for its own lifecycle.
type State struct {
	states map[string]map[string]bool
}

var ErrUnknownState = errors.New("unknown state")
var ErrInvalidNextState = errors.New("invalid next state")

func NewState() *State {
	return &State{
		states: make(map[string]map[string]bool),
	}
}

// AddState will create a new state if it doesn't exist and will add the
// transitions as valid transitions for that state. If the state already
// exists it will add the transitions to the state.
func (s *State) AddState(state string, transitions ...string) {
	states, ok := s.states[state]
	if !ok {
		states = make(map[string]bool)
		s.states[state] = states
	}
	for _, transition := range transitions {
		states[transition] = true
	}
}

// IsValidNextState takes the current state and the transitionState and returns
// true if the transitionState is a valid state from the currentState.
func (s *State) IsValidNextState(currentState, transitionState string) bool {
	valid, _ := s.IsValidNextStateWithError(currentState, transitionState)
	return valid
}

// IsValidNextStateWithError is IsValidNextState, returning ErrUnknownState when
// currentState is not in the table and ErrInvalidNextState when the transition
// is not allowed.
func (s *State) IsValidNextStateWithError(currentState, transitionState string) (bool, error) {
	states, ok := s.states[currentState]
	if !ok {
		return false, errors.Wrap(ErrUnknownState, currentState)
	}

	if !states[transitionState] {
		return false, errors.Wrapf(ErrInvalidNextState, "%s -> %s", currentState, transitionState)
	}

	return true, nil
}

// Client driver lifecycle.
const (
	StateNoKeys    = "no-keys"
	StateKeysReady = "keys-ready"
	StateJoining   = "joining"
	StatePaired    = "paired"
)

var clientStates *State

func init() {
	clientStates = NewState()
	clientStates.AddState(StateNoKeys, StateKeysReady)
	clientStates.AddState(StateKeysReady, StateKeysReady, StateJoining, StateNoKeys)
	clientStates.AddState(StateJoining, StatePaired, StateNoKeys)
	clientStates.AddState(StatePaired, StateJoining, StateNoKeys)
}
