// Package chat is the participant side of a signed two-party chat: a Client
// that holds the signing key, joins a relay, signs what it sends and drives
// the acknowledgment handshake. It also finds relays announced on the LAN.
//
// The client never verifies inbound messages itself. The relay checks every
// signature before forwarding, and that check is the trust boundary.
package chat

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/gtarcea/sigrelay/hero"
	"github.com/gtarcea/sigrelay/internal/network"
	"github.com/gtarcea/sigrelay/pkg/msgs"
	"github.com/gtarcea/sigrelay/pkg/signature"
)

var (
	ErrNoKeys         = errors.New("no signing keys, generate keys first")
	ErrNotConnected   = errors.New("not connected to a relay")
	ErrClosed         = errors.New("client closed")
	ErrUnknownMessage = errors.New("no such received message")
)

type EventKind int

const (
	// EventMessage is a chat message, received or (Outgoing) just sent.
	EventMessage EventKind = iota + 1
	EventSystem
	// EventDelivered reports that the peer acknowledged a sent message.
	EventDelivered
	EventRoster
	// EventClosed is the last event of a connection.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventSystem:
		return "system"
	case EventDelivered:
		return "delivered"
	case EventRoster:
		return "roster"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

// Event is something a user interface would render.
type Event struct {
	Kind EventKind

	// Username is the sender of a message, or the recipient of a delivery.
	Username  string
	Text      string
	Signature string
	Outgoing  bool

	// Seq numbers received messages from 1; pass it to Acknowledge.
	Seq int

	Roster []string

	// Err is why the connection closed.
	Err error
}

// SentMessage is an entry in the outbox.
type SentMessage struct {
	Text        string
	Signature   string
	SentAt      time.Time
	Delivered   bool
	DeliveredTo string
}

// ReceivedMessage is a message forwarded by the relay.
type ReceivedMessage struct {
	Seq          int
	Username     string
	Text         string
	Signature    string
	Acknowledged bool
}

type ClientOpts struct {
	RelayURL string
	Username string

	// AutoAcknowledge acknowledges every message as it arrives.
	AutoAcknowledge bool

	EventBuffer int
	DialTimeout time.Duration

	// InsecureQUIC skips certificate checks on quic:// relays.
	InsecureQUIC bool
}

var DefaultClientOpts = ClientOpts{
	RelayURL:    "ws://localhost:8080/ws",
	EventBuffer: 64,
	DialTimeout: 10 * time.Second,
}

// Client is one participant. Its methods are safe for concurrent use.
type Client struct {
	RelayURL        string
	Username        string
	AutoAcknowledge bool
	EventBuffer     int
	DialTimeout     time.Duration
	InsecureQUIC    bool

	// *** Internal State ***
	mu          sync.Mutex
	state       string
	keys        *signature.KeyPair
	conn        network.Conn
	done        chan struct{}
	closeErr    error
	roster      []string
	outbox      []*SentMessage
	bySignature map[string]*SentMessage
	inbox       []*ReceivedMessage
	events      chan Event
	hero        *hero.Hero
}

func NewClient(opts *ClientOpts) *Client {
	c := &Client{state: StateNoKeys}

	if opts != nil {
		c.RelayURL = opts.RelayURL
		c.Username = opts.Username
		c.AutoAcknowledge = opts.AutoAcknowledge
		c.EventBuffer = opts.EventBuffer
		c.DialTimeout = opts.DialTimeout
		c.InsecureQUIC = opts.InsecureQUIC
	}

	c.setDefaults()

	c.events = make(chan Event, c.EventBuffer)

	c.hero = hero.New(log.WithField("username", c.Username))
	c.hero.Action(msgs.TypeSystem, c.handleSystem)
	c.hero.Action(msgs.TypeMessage, c.handleMessage)
	c.hero.Action(msgs.TypeAcknowledgment, c.handleAcknowledgment)

	return c
}

func (c *Client) setDefaults() {
	if c.RelayURL == "" {
		c.RelayURL = DefaultClientOpts.RelayURL
	}

	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultClientOpts.EventBuffer
	}

	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultClientOpts.DialTimeout
	}
}

// transition moves to next if the lifecycle allows it. Callers hold mu.
func (c *Client) transition(next string) error {
	if _, err := clientStates.IsValidNextStateWithError(c.state, next); err != nil {
		return err
	}
	c.state = next
	return nil
}

// GenerateKeys creates a fresh signing key. Keys can be regenerated until
// the client connects.
func (c *Client) GenerateKeys() error {
	keys, err := signature.GenerateKeyPair()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.transition(StateKeysReady); err != nil {
		return err
	}
	c.keys = keys
	return nil
}

// Connect dials the relay and sends the join frame. The connection lives
// until Close or until the relay drops it; ctx only bounds the dial.
func (c *Client) Connect(ctx context.Context) error {
	if c.Username == "" {
		return errors.New("username is required")
	}

	c.mu.Lock()
	if c.keys == nil {
		c.mu.Unlock()
		return ErrNoKeys
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.DialTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx)
	if err != nil {
		return err
	}

	return c.attach(conn)
}

func (c *Client) dial(ctx context.Context) (network.Conn, error) {
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return nil, errors.Wrapf(err, "relay url %q", c.RelayURL)
	}

	switch u.Scheme {
	case "ws", "wss":
		return network.DialWebSocket(ctx, c.RelayURL, nil)
	case "quic":
		return network.DialQUIC(ctx, u.Host, c.InsecureQUIC)
	default:
		return nil, errors.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
}

// attach joins over an established connection and starts reading from it.
func (c *Client) attach(conn network.Conn) error {
	c.mu.Lock()
	if c.keys == nil {
		c.mu.Unlock()
		_ = conn.Close(network.CodeNormal, "")
		return ErrNoKeys
	}

	if err := c.transition(StateJoining); err != nil {
		c.mu.Unlock()
		_ = conn.Close(network.CodeNormal, "")
		return errors.Wrap(err, "connect")
	}

	c.conn = conn
	c.done = make(chan struct{})
	c.closeErr = nil
	join := msgs.NewJoin(c.Username, c.keys.PublicKey())
	c.mu.Unlock()

	if err := c.write(conn, join); err != nil {
		_ = conn.Close(network.CodeNormal, "")
		c.teardown(err)
		return errors.Wrap(err, "send join")
	}

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn network.Conn) {
	err := c.hero.Serve(context.Background(), conn, nil)
	c.teardown(err)
}

// teardown voids the session: the key, roster, outbox and received messages
// are dropped with the connection, so a new session needs new keys and
// numbers received messages from 1 again.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.keys = nil
	c.roster = nil
	c.outbox = nil
	c.bySignature = nil
	c.inbox = nil
	c.closeErr = cause
	c.state = StateNoKeys
	done := c.done
	c.mu.Unlock()

	c.emit(Event{Kind: EventClosed, Err: cause})
	close(done)
}

// Close ends the session and waits for the reader to stop. Keys are wiped
// even when the client never connected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.keys = nil
		c.state = StateNoKeys
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := conn.Close(network.CodeNormal, "")
	<-done
	return err
}

// Err reports why the last connection ended, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Send signs text and sends it. The message is rendered (and entered in the
// outbox) immediately, without waiting for the relay or the peer.
func (c *Client) Send(text string) (*SentMessage, error) {
	c.mu.Lock()
	conn, keys := c.conn, c.keys
	c.mu.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}
	if keys == nil {
		return nil, ErrNoKeys
	}

	sig, err := keys.SignString(text)
	if err != nil {
		return nil, err
	}

	// The ack can race the write, so the message is tracked first.
	sent := &SentMessage{Text: text, Signature: sig, SentAt: time.Now()}
	c.mu.Lock()
	c.outbox = append(c.outbox, sent)
	previous := c.bySignature[sig]
	if c.bySignature == nil {
		c.bySignature = make(map[string]*SentMessage)
	}
	c.bySignature[sig] = sent
	c.mu.Unlock()

	if err := c.write(conn, msgs.NewMessage(text, sig)); err != nil {
		c.untrack(sent, previous)
		return nil, err
	}

	c.emit(Event{Kind: EventMessage, Username: c.Username, Text: text, Signature: sig, Outgoing: true})

	s := *sent
	return &s, nil
}

// untrack drops a message that was never sent. previous is the entry that
// carried the same signature before it, if any.
func (c *Client) untrack(sent, previous *SentMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.outbox) - 1; i >= 0; i-- {
		if c.outbox[i] == sent {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			break
		}
	}

	if c.bySignature[sent.Signature] != sent {
		return
	}
	if previous != nil {
		c.bySignature[sent.Signature] = previous
	} else {
		delete(c.bySignature, sent.Signature)
	}
}

// Acknowledge confirms receipt of the seq-th received message by signing its
// signature.
func (c *Client) Acknowledge(seq int) error {
	c.mu.Lock()
	if seq < 1 || seq > len(c.inbox) {
		c.mu.Unlock()
		return errors.Wrapf(ErrUnknownMessage, "#%d", seq)
	}
	received := c.inbox[seq-1]
	c.mu.Unlock()

	if err := c.AcknowledgeSignature(received.Signature); err != nil {
		return err
	}

	c.mu.Lock()
	received.Acknowledged = true
	c.mu.Unlock()
	return nil
}

// AcknowledgeSignature sends an acknowledgment for the message carrying
// originalSignature.
func (c *Client) AcknowledgeSignature(originalSignature string) error {
	c.mu.Lock()
	conn, keys := c.conn, c.keys
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if keys == nil {
		return ErrNoKeys
	}

	ackSig, err := keys.SignString(originalSignature)
	if err != nil {
		return err
	}

	return c.write(conn, msgs.NewAcknowledgment(originalSignature, ackSig))
}

func (c *Client) write(conn network.Conn, frame interface{}) error {
	b, err := msgs.Encode(frame)
	if err != nil {
		return err
	}

	if err := conn.WriteFrame(b); err != nil {
		if err == network.ErrClosed {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
		log.WithField("event", e.Kind.String()).Debug("event buffer full, dropping event")
	}
}

func (c *Client) handleSystem(ctx hero.Context) error {
	var sys msgs.System
	if err := ctx.Bind(&sys); err != nil {
		return err
	}

	c.emit(Event{Kind: EventSystem, Text: sys.Text})

	if sys.UserList == nil {
		return nil
	}

	c.mu.Lock()
	c.roster = append([]string(nil), sys.UserList...)
	next := StateJoining
	if c.peerLocked() != "" {
		next = StatePaired
	}
	if c.state != next {
		if err := c.transition(next); err != nil {
			ctx.Log().WithError(err).Debug("ignoring roster state change")
		}
	}
	roster := append([]string(nil), c.roster...)
	c.mu.Unlock()

	c.emit(Event{Kind: EventRoster, Roster: roster})
	return nil
}

// handleMessage records and renders a forwarded message. It is not
// re-verified here.
func (c *Client) handleMessage(ctx hero.Context) error {
	var m msgs.Message
	if err := ctx.Bind(&m); err != nil {
		return err
	}

	c.mu.Lock()
	received := &ReceivedMessage{
		Seq:       len(c.inbox) + 1,
		Username:  m.Username,
		Text:      m.Text,
		Signature: m.Signature,
	}
	c.inbox = append(c.inbox, received)
	c.mu.Unlock()

	c.emit(Event{
		Kind:      EventMessage,
		Username:  m.Username,
		Text:      m.Text,
		Signature: m.Signature,
		Seq:       received.Seq,
	})

	if c.AutoAcknowledge {
		return c.Acknowledge(received.Seq)
	}
	return nil
}

// handleAcknowledgment marks the sent message whose signature matches
// exactly as delivered.
func (c *Client) handleAcknowledgment(ctx hero.Context) error {
	var ack msgs.Acknowledgment
	if err := ctx.Bind(&ack); err != nil {
		return err
	}

	c.mu.Lock()
	sent, ok := c.bySignature[ack.OriginalSignature]
	if ok {
		sent.Delivered = true
		sent.DeliveredTo = ack.Recipient
	}
	c.mu.Unlock()

	if !ok {
		ctx.Log().Debug("acknowledgment for unknown message")
		return nil
	}

	c.emit(Event{
		Kind:      EventDelivered,
		Username:  ack.Recipient,
		Text:      sent.Text,
		Signature: ack.OriginalSignature,
	})
	return nil
}

// Events delivers rendered events. Events are dropped when the buffer is
// full, EventClosed included; the channel is never closed. Done and Err are
// the reliable way to learn that a connection ended.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Roster() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.roster...)
}

// Peer is the other participant in the roster, or empty.
func (c *Client) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerLocked()
}

func (c *Client) peerLocked() string {
	for _, name := range c.roster {
		if name != c.Username {
			return name
		}
	}
	return ""
}

// Fingerprint is a short digest of the current public key.
func (c *Client) Fingerprint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		return ""
	}
	return signature.Fingerprint(c.keys.PublicKey())
}

// PublicKey is the current base64 SPKI public key, or empty.
func (c *Client) PublicKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		return ""
	}
	return c.keys.PublicKey()
}

// Outbox returns copies of the sent messages, oldest first.
func (c *Client) Outbox() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.outbox))
	for i, m := range c.outbox {
		out[i] = *m
	}
	return out
}

// Received returns copies of the received messages, oldest first.
func (c *Client) Received() []ReceivedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ReceivedMessage, len(c.inbox))
	for i, m := range c.inbox {
		out[i] = *m
	}
	return out
}
