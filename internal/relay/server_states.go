package relay

import (
	"github.com/gtarcea/sigrelay/pkg/chat"
	"github.com/gtarcea/sigrelay/pkg/msgs"
)

// Connection states. A connection is unauthenticated from accept until its
// first valid join.
const (
	stateUnauthenticated = "unauthenticated"
	stateAuthenticated   = "authenticated"
)

// serverStates lists the frame types a connection may send in each state.
var serverStates *chat.State

func init() {
	serverStates = chat.NewState()
	serverStates.AddState(stateUnauthenticated, msgs.TypeJoin)
	serverStates.AddState(stateAuthenticated, msgs.TypeJoin, msgs.TypeMessage, msgs.TypeAcknowledgment)
}
