package network

import (
	"sync"

	"github.com/google/uuid"
)

const pipeBuffer = 256

// pipe is the state shared by both ends of an in-memory connection.
type pipe struct {
	done   chan struct{}
	once   sync.Once
	reason *CloseError
}

type pipeConn struct {
	id     string
	remote string
	p      *pipe
	in     chan []byte
	out    chan []byte
}

// Pipe returns two connected in-memory Conns. Frames written on one end are
// read on the other in order. Closing either end closes both, and pending
// frames are still delivered before reads report the close.
func Pipe() (Conn, Conn) {
	p := &pipe{done: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)

	a := &pipeConn{id: uuid.NewString(), remote: "pipe-b", p: p, in: ba, out: ab}
	b := &pipeConn{id: uuid.NewString(), remote: "pipe-a", p: p, in: ab, out: ba}
	return a, b
}

func (c *pipeConn) ID() string {
	return c.id
}

func (c *pipeConn) RemoteAddr() string {
	return c.remote
}

func (c *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.p.done:
		select {
		case b := <-c.in:
			return b, nil
		default:
			return nil, c.p.reason
		}
	}
}

func (c *pipeConn) WriteFrame(b []byte) error {
	select {
	case <-c.p.done:
		return ErrClosed
	default:
	}

	frame := append([]byte(nil), b...)
	select {
	case c.out <- frame:
		return nil
	case <-c.p.done:
		return ErrClosed
	}
}

func (c *pipeConn) Close(code int, reason string) error {
	c.p.once.Do(func() {
		c.p.reason = NewCloseError(code, reason)
		close(c.p.done)
	})
	return nil
}
