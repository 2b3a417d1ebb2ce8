package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gtarcea/sigrelay/internal/network"
)

// Capacity is the number of participants a session holds.
const Capacity = 2

// Identity is what a connection asserts in its join frame.
type Identity struct {
	Username  string
	PublicKey string
}

// CapacityError is returned when a connection asks for a slot while every
// slot is taken by other connections.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("chat full: all %d slots are taken", e.Capacity)
}

// Slot is one occupied place in the session. An admitted connection holds a
// slot before it joins; identity stays nil until then.
type Slot struct {
	connection network.Conn
	identity   *Identity
	admitted   time.Time
}

// Registry tracks the connections in the session and the identities bound to
// them. All methods are safe for concurrent use and hold one lock for their
// whole duration, so every view they return is consistent.
//
// Slots are kept packed in arrival order: slots[:n] are occupied.
type Registry struct {
	sync.Mutex
	slots [Capacity]Slot
	n     int
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

func (r *Registry) indexOf(conn network.Conn) int {
	for i := 0; i < r.n; i++ {
		if r.slots[i].connection == conn {
			return i
		}
	}
	return -1
}

// Admit reserves a slot for a freshly accepted connection. Admitting a
// connection that already holds a slot is a no-op.
func (r *Registry) Admit(conn network.Conn) error {
	r.Lock()
	defer r.Unlock()

	if r.indexOf(conn) >= 0 {
		return nil
	}

	if r.n == Capacity {
		return &CapacityError{Capacity: Capacity}
	}

	r.slots[r.n] = Slot{connection: conn, admitted: r.now()}
	r.n++
	return nil
}

// Bind sets conn's identity, replacing any earlier one. A connection without
// a slot takes a free one, failing with *CapacityError when there is none.
func (r *Registry) Bind(conn network.Conn, identity Identity) error {
	r.Lock()
	defer r.Unlock()

	i := r.indexOf(conn)
	if i < 0 {
		if r.n == Capacity {
			return &CapacityError{Capacity: Capacity}
		}
		i = r.n
		r.slots[i] = Slot{connection: conn, admitted: r.now()}
		r.n++
	}

	id := identity
	r.slots[i].identity = &id
	return nil
}

// Unbind releases conn's slot and returns the identity it held, or nil when
// the connection never joined (or was never admitted).
func (r *Registry) Unbind(conn network.Conn) *Identity {
	r.Lock()
	defer r.Unlock()

	i := r.indexOf(conn)
	if i < 0 {
		return nil
	}

	identity := r.slots[i].identity
	copy(r.slots[i:r.n], r.slots[i+1:r.n])
	r.n--
	r.slots[r.n] = Slot{}
	return identity
}

// IdentityOf returns the identity bound to conn.
func (r *Registry) IdentityOf(conn network.Conn) (Identity, bool) {
	r.Lock()
	defer r.Unlock()

	i := r.indexOf(conn)
	if i < 0 || r.slots[i].identity == nil {
		return Identity{}, false
	}
	return *r.slots[i].identity, true
}

// Peer returns the other bound connection in the session and its identity.
func (r *Registry) Peer(conn network.Conn) (network.Conn, Identity, bool) {
	r.Lock()
	defer r.Unlock()

	for i := 0; i < r.n; i++ {
		s := r.slots[i]
		if s.connection != conn && s.identity != nil {
			return s.connection, *s.identity, true
		}
	}
	return nil, Identity{}, false
}

// PeerOf returns the other bound connection, if there is one.
func (r *Registry) PeerOf(conn network.Conn) (network.Conn, bool) {
	peer, _, ok := r.Peer(conn)
	return peer, ok
}

// Usernames returns the bound usernames in the order their connections
// arrived.
func (r *Registry) Usernames() []string {
	names, _ := r.Roster()
	return names
}

// Roster returns the bound usernames together with the connections they are
// bound to, in the same order.
func (r *Registry) Roster() ([]string, []network.Conn) {
	r.Lock()
	defer r.Unlock()

	names := make([]string, 0, r.n)
	conns := make([]network.Conn, 0, r.n)
	for i := 0; i < r.n; i++ {
		if s := r.slots[i]; s.identity != nil {
			names = append(names, s.identity.Username)
			conns = append(conns, s.connection)
		}
	}
	return names, conns
}

// Len is the number of bound connections.
func (r *Registry) Len() int {
	r.Lock()
	defer r.Unlock()

	bound := 0
	for i := 0; i < r.n; i++ {
		if r.slots[i].identity != nil {
			bound++
		}
	}
	return bound
}

// Occupied is the number of slots held, bound or not.
func (r *Registry) Occupied() int {
	r.Lock()
	defer r.Unlock()
	return r.n
}

// Unjoined returns connections admitted at least timeout ago that have still
// not joined.
func (r *Registry) Unjoined(timeout time.Duration) []network.Conn {
	r.Lock()
	defer r.Unlock()

	var conns []network.Conn
	now := r.now()
	for i := 0; i < r.n; i++ {
		s := r.slots[i]
		if s.identity == nil && now.Sub(s.admitted) >= timeout {
			conns = append(conns, s.connection)
		}
	}
	return conns
}
