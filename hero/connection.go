package hero

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/gtarcea/sigrelay/internal/network"
	"github.com/gtarcea/sigrelay/pkg/msgs"
)

var (
	errMalformed     = errors.New("malformed frame")
	errUnknownAction = errors.New("no such action")
)

type connection struct {
	hero  *Hero
	conn  network.Conn
	store *Store
}

func newConnection(h *Hero, conn network.Conn, store *Store) *connection {
	return &connection{hero: h, conn: conn, store: store}
}

func (c *connection) handleConnection() error {
	for {
		raw, err := c.conn.ReadFrame()
		if err != nil {
			return err
		}

		err = c.runMsgAction(raw)
		if err == nil {
			continue
		}

		if ce, ok := network.AsCloseError(err); ok {
			c.logger().WithFields(log.Fields{"code": ce.Code, "reason": ce.Reason}).Info("closing connection")
			_ = c.conn.Close(ce.Code, ce.Reason)
			return ce
		}

		switch errors.Cause(err) {
		case ErrSkip:
			c.hero.dropped(c.conn, DropSkipped)
		case errMalformed:
			c.logger().WithError(err).Debug("frame dropped")
			c.hero.dropped(c.conn, DropMalformed)
		case errUnknownAction:
			c.logger().WithError(err).Debug("frame dropped")
			c.hero.dropped(c.conn, DropUnknown)
		default:
			c.logger().WithError(err).Warn("frame handler failed")
			c.hero.dropped(c.conn, DropFailed)
		}
	}
}

// runMsgAction dispatches one frame. A panicking handler is reported as an
// error and the connection keeps reading.
func (c *connection) runMsgAction(raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()

	frameType, err := msgs.PeekType(raw)
	if err != nil {
		return errors.Wrap(errMalformed, err.Error())
	}

	action := c.getActionForMessageAction(frameType)
	if action == nil {
		return errors.Wrap(errUnknownAction, frameType)
	}

	ctx := newCtx(c.hero, c.conn, c.store, frameType, raw)
	if err := c.runMiddleware(ctx); err != nil {
		return err
	}

	return action.handler(ctx)
}

func (c *connection) getActionForMessageAction(msgAction string) *action {
	if action, ok := c.hero.actions[msgAction]; ok && action != nil {
		return action
	}

	return nil
}

func (c *connection) runMiddleware(ctx Context) error {
	for _, mw := range c.hero.middleware {
		if err := mw(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *connection) logger() log.Interface {
	if l, ok := c.store.Get(LogKey).(log.Interface); ok {
		return l
	}
	return c.hero.logger
}
