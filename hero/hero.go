// Package hero routes JSON frames arriving on a network.Conn to handlers
// registered by frame type, in the style of a small web framework: actions,
// middleware and a per-frame Context.
//
// Frames from one connection are handled strictly in arrival order on the
// goroutine calling Serve. A handler (or middleware) returning a
// *network.CloseError closes the connection with that code; ErrSkip drops the
// frame silently; any other error is logged and the connection carries on.
package hero

import (
	"context"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/gtarcea/sigrelay/internal/network"
)

// ErrSkip tells the dispatcher to drop the current frame without running
// further middleware or the handler.
var ErrSkip = errors.New("skip frame")

// Drop reasons passed to the OnDrop hook.
const (
	DropMalformed = "malformed"
	DropUnknown   = "unknown"
	DropSkipped   = "skipped"
	DropFailed    = "failed"
)

// DropFunc observes frames that were read but not handled.
type DropFunc func(conn network.Conn, reason string)

// HandlerFunc handles one frame.
type HandlerFunc func(Context) error

// MiddlewareFunc runs before the handler for every routed frame.
type MiddlewareFunc func(Context) error

type action struct {
	name    string
	handler HandlerFunc
}

// Hero is a frame router. Register actions and middleware before calling
// Serve; the tables are read without locking afterwards.
type Hero struct {
	actions    map[string]*action
	middleware []MiddlewareFunc
	onDrop     DropFunc
	logger     log.Interface
}

// New creates an empty router logging through logger (log.Log when nil).
func New(logger log.Interface) *Hero {
	if logger == nil {
		logger = log.Log
	}
	return &Hero{actions: make(map[string]*action), logger: logger}
}

// Action registers handler for frames whose type is name.
func (h *Hero) Action(name string, handler HandlerFunc) {
	h.actions[name] = &action{name: name, handler: handler}
}

// Use appends middleware. Middleware runs in registration order.
func (h *Hero) Use(middleware ...MiddlewareFunc) {
	h.middleware = append(h.middleware, middleware...)
}

// OnDrop sets the hook called for every frame that is dropped.
func (h *Hero) OnDrop(fn DropFunc) {
	h.onDrop = fn
}

func (h *Hero) dropped(conn network.Conn, reason string) {
	if h.onDrop != nil {
		h.onDrop(conn, reason)
	}
}

// Serve reads and dispatches frames from conn until the connection ends, a
// handler closes it, or ctx is cancelled (the connection is then closed with
// CodeGoingAway). It returns the error that ended the loop. The store is
// shared by every Context created for this connection.
func (h *Hero) Serve(ctx context.Context, conn network.Conn, store *Store) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close(network.CodeGoingAway, network.ReasonGoingAway)
		case <-stop:
		}
	}()

	if store == nil {
		store = NewStore()
	}

	c := newConnection(h, conn, store)
	return c.handleConnection()
}
