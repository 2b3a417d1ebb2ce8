package hero

import (
	"encoding/json"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/gtarcea/sigrelay/internal/network"
	"github.com/gtarcea/sigrelay/pkg/msgs"
)

// Context is handed to middleware and handlers for a single frame.
type Context interface {
	// Type is the frame's type discriminator.
	Type() string

	// Raw is the frame as read from the connection.
	Raw() []byte
	Bind(i interface{}) error

	Conn() network.Conn

	// Get and Set access values kept for the lifetime of the connection.
	Get(key string) interface{}
	Set(key string, value interface{})

	// JSON sends v to this connection as a frame.
	JSON(v interface{}) error

	Log() log.Interface
}

// Store holds per-connection values shared across frames.
type Store struct {
	m sync.Map
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Get(key string) interface{} {
	val, _ := s.m.Load(key)
	return val
}

func (s *Store) Set(key string, value interface{}) {
	s.m.Store(key, value)
}

// LogKey is the store key under which a connection's logger lives. Handlers
// may replace it to attach fields for later frames.
const LogKey = "hero.log"

type ctx struct {
	hero      *Hero
	conn      network.Conn
	store     *Store
	frameType string
	raw       []byte
}

func newCtx(hero *Hero, conn network.Conn, store *Store, frameType string, raw []byte) *ctx {
	return &ctx{hero: hero, conn: conn, store: store, frameType: frameType, raw: raw}
}

func (c *ctx) Type() string {
	return c.frameType
}

func (c *ctx) Raw() []byte {
	return c.raw
}

// Bind decodes the frame into i. A frame whose fields have the wrong JSON
// types is reported as malformed.
func (c *ctx) Bind(i interface{}) error {
	if err := json.Unmarshal(c.raw, i); err != nil {
		return errors.Wrap(errMalformed, err.Error())
	}
	return nil
}

func (c *ctx) Conn() network.Conn {
	return c.conn
}

func (c *ctx) Get(key string) interface{} {
	return c.store.Get(key)
}

func (c *ctx) Set(key string, value interface{}) {
	c.store.Set(key, value)
}

func (c *ctx) JSON(v interface{}) error {
	b, err := msgs.Encode(v)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(b)
}

func (c *ctx) Log() log.Interface {
	if l, ok := c.store.Get(LogKey).(log.Interface); ok {
		return l
	}
	return c.hero.logger
}
