package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/gtarcea/sigrelay/hero"
	"github.com/gtarcea/sigrelay/internal/network"
	"github.com/gtarcea/sigrelay/pkg/msgs"
	"github.com/gtarcea/sigrelay/pkg/signature"
)

// Notices sent to participants.
const (
	textRoster              = "User list updated."
	textJoined              = "%s entrou no chat."
	textPeer                = "Você está conversando com %s."
	textLeft                = "%s saiu do chat."
	textBadMessageSignature = "ERRO: Sua mensagem não foi enviada. A assinatura digital é inválida."
	textBadAckSignature     = "ERRO: Confirmação de entrega inválida. A assinatura digital é inválida."
)

// Labels for connections the relay closes.
const (
	closedChatFull          = "chat_full"
	closedMissingJoinFields = "missing_join_fields"
	closedJoinRequired      = "join_required"
	closedJoinTimeout       = "join_timeout"
)

// Relay runs the two-party session protocol over any number of accepted
// connections. Each connection is served on its own goroutine; the Registry
// is the only state they share.
type Relay struct {
	joinTimeout      time.Duration
	rejectBeforeJoin bool

	registry *Registry
	hero     *hero.Hero
	metrics  *metrics
}

// NewRelay creates a protocol engine. Only JoinTimeout and RejectBeforeJoin
// are read from cfg.
func NewRelay(cfg Config) *Relay {
	r := &Relay{
		joinTimeout:      cfg.JoinTimeout,
		rejectBeforeJoin: cfg.RejectBeforeJoin,
		registry:         NewRegistry(),
		metrics:          newMetrics(),
	}

	h := hero.New(log.Log)
	h.Use(r.countFrame, r.requireJoin)
	h.Action(msgs.TypeJoin, r.handleJoin)
	h.Action(msgs.TypeMessage, r.handleMessage)
	h.Action(msgs.TypeAcknowledgment, r.handleAcknowledgment)
	h.OnDrop(func(_ network.Conn, reason string) {
		r.metrics.dropped.WithLabelValues(reason).Inc()
	})
	r.hero = h

	return r
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// ServeConn runs the protocol on conn until it closes or ctx is cancelled.
// A connection arriving while both slots are held is closed with
// CodeChatFull before any frame is read.
func (r *Relay) ServeConn(ctx context.Context, conn network.Conn) {
	var logger log.Interface = log.WithFields(log.Fields{"conn": conn.ID(), "remote": conn.RemoteAddr()})

	if err := r.registry.Admit(conn); err != nil {
		logger.WithError(err).Info("rejecting connection")
		r.metrics.closed.WithLabelValues(closedChatFull).Inc()
		_ = conn.Close(network.CodeChatFull, network.ReasonChatFull)
		return
	}

	r.metrics.accepted.Inc()
	logger.Info("connection accepted")

	store := hero.NewStore()
	store.Set(hero.LogKey, logger)

	err := r.hero.Serve(ctx, conn, store)
	if l, ok := store.Get(hero.LogKey).(log.Interface); ok {
		logger = l
	}
	if err != nil {
		logger = logger.WithField("cause", err.Error())
	}

	r.leave(conn, logger)
	_ = conn.Close(network.CodeNormal, "")
}

func (r *Relay) countFrame(c hero.Context) error {
	r.metrics.frames.WithLabelValues(c.Type()).Inc()
	r.metrics.frameBytes.WithLabelValues(c.Type()).Add(float64(len(c.Raw())))
	return nil
}

func (r *Relay) stateOf(conn network.Conn) string {
	if _, ok := r.registry.IdentityOf(conn); ok {
		return stateAuthenticated
	}
	return stateUnauthenticated
}

// requireJoin drops (or, when configured, refuses) frames a connection is not
// yet allowed to send.
func (r *Relay) requireJoin(c hero.Context) error {
	if serverStates.IsValidNextState(r.stateOf(c.Conn()), c.Type()) {
		return nil
	}

	if r.rejectBeforeJoin {
		r.metrics.closed.WithLabelValues(closedJoinRequired).Inc()
		return network.NewCloseError(network.CodeJoinRequired, network.ReasonJoinRequired)
	}

	c.Log().WithField("type", c.Type()).Debug("ignoring frame before join")
	return hero.ErrSkip
}

func (r *Relay) handleJoin(c hero.Context) error {
	var join msgs.Join
	if err := c.Bind(&join); err != nil {
		return err
	}

	if join.Username == "" || join.PublicKey == "" {
		r.metrics.closed.WithLabelValues(closedMissingJoinFields).Inc()
		return network.NewCloseError(network.CodeMissingJoinFields, network.ReasonMissingJoinFields)
	}

	conn := c.Conn()
	if err := r.registry.Bind(conn, Identity{Username: join.Username, PublicKey: join.PublicKey}); err != nil {
		r.metrics.closed.WithLabelValues(closedChatFull).Inc()
		return network.NewCloseError(network.CodeChatFull, network.ReasonChatFull)
	}

	logger := c.Log().WithFields(log.Fields{
		"username": join.Username,
		"key":      signature.Fingerprint(join.PublicKey),
	})
	c.Set(hero.LogKey, logger)

	if _, err := signature.ParsePublicKey(join.PublicKey); err != nil {
		logger.WithError(err).Warn("public key unusable, every signature from this participant will fail")
	}

	logger.Info("joined")
	r.metrics.participants.Set(float64(r.registry.Len()))

	r.broadcastRoster()

	if peer, peerIdentity, ok := r.registry.Peer(conn); ok {
		r.send(peer, msgs.NewSystem(fmt.Sprintf(textJoined, join.Username)))
		r.send(conn, msgs.NewSystem(fmt.Sprintf(textPeer, peerIdentity.Username)))
	}

	return nil
}

func (r *Relay) handleMessage(c hero.Context) error {
	conn := c.Conn()
	sender, ok := r.registry.IdentityOf(conn)
	if !ok {
		return hero.ErrSkip
	}

	var m msgs.Message
	if err := c.Bind(&m); err != nil {
		return err
	}

	if m.Text == "" || m.Signature == "" {
		return hero.ErrSkip
	}

	if !signature.Verify(sender.PublicKey, m.Signature, []byte(m.Text)) {
		c.Log().Warn("message signature verification failed")
		r.metrics.signatureFailures.WithLabelValues(msgs.TypeMessage).Inc()
		r.send(conn, msgs.NewSystem(textBadMessageSignature))
		return nil
	}

	peer, ok := r.registry.PeerOf(conn)
	if !ok {
		c.Log().Debug("no peer, message dropped")
		return nil
	}

	r.send(peer, &msgs.Message{
		Type:      msgs.TypeMessage,
		Username:  sender.Username,
		Text:      m.Text,
		Signature: m.Signature,
	})
	r.metrics.forwarded.WithLabelValues(msgs.TypeMessage).Inc()

	return nil
}

// handleAcknowledgment checks that the ack signature covers the original
// signature string and tells the original sender who received it.
func (r *Relay) handleAcknowledgment(c hero.Context) error {
	conn := c.Conn()
	sender, ok := r.registry.IdentityOf(conn)
	if !ok {
		return hero.ErrSkip
	}

	var ack msgs.Acknowledgment
	if err := c.Bind(&ack); err != nil {
		return err
	}

	if ack.OriginalSignature == "" || ack.AckSignature == "" {
		return hero.ErrSkip
	}

	if !signature.Verify(sender.PublicKey, ack.AckSignature, []byte(ack.OriginalSignature)) {
		c.Log().Warn("acknowledgment signature verification failed")
		r.metrics.signatureFailures.WithLabelValues(msgs.TypeAcknowledgment).Inc()
		r.send(conn, msgs.NewSystem(textBadAckSignature))
		return nil
	}

	peer, ok := r.registry.PeerOf(conn)
	if !ok {
		c.Log().Debug("no peer, acknowledgment dropped")
		return nil
	}

	r.send(peer, &msgs.Acknowledgment{
		Type:              msgs.TypeAcknowledgment,
		OriginalSignature: ack.OriginalSignature,
		Recipient:         sender.Username,
	})
	r.metrics.forwarded.WithLabelValues(msgs.TypeAcknowledgment).Inc()

	return nil
}

// leave releases conn's slot and, if it had joined, tells whoever remains.
func (r *Relay) leave(conn network.Conn, logger log.Interface) {
	identity := r.registry.Unbind(conn)
	if identity == nil {
		logger.Info("disconnected without joining")
		return
	}

	logger.Info("left")
	r.metrics.participants.Set(float64(r.registry.Len()))

	r.broadcastRoster()

	_, remaining := r.registry.Roster()
	notice := msgs.NewSystem(fmt.Sprintf(textLeft, identity.Username))
	for _, peer := range remaining {
		r.send(peer, notice)
	}
}

func (r *Relay) broadcastRoster() {
	names, conns := r.registry.Roster()
	frame := msgs.NewSystem(textRoster, names...)
	for _, conn := range conns {
		r.send(conn, frame)
	}
}

// send is best effort: a connection that has gone away simply misses the
// frame.
func (r *Relay) send(conn network.Conn, frame interface{}) {
	b, err := msgs.Encode(frame)
	if err != nil {
		log.WithError(err).Error("encoding frame")
		return
	}

	if err := conn.WriteFrame(b); err != nil {
		log.WithFields(log.Fields{"conn": conn.ID(), "error": err}).Debug("send failed")
	}
}

// runJoinTimeoutReaper closes connections that hold a slot without joining
// for longer than the join timeout.
func (r *Relay) runJoinTimeoutReaper(c context.Context) {
	interval := r.joinTimeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	for {
		select {
		case <-time.After(interval):
		case <-c.Done():
			log.Infof("Shutting down join timeout reaper...")
			return
		}

		r.removeUnjoinedConnections()
	}
}

func (r *Relay) removeUnjoinedConnections() {
	for _, conn := range r.registry.Unjoined(r.joinTimeout) {
		log.WithFields(log.Fields{"conn": conn.ID(), "remote": conn.RemoteAddr()}).Info("closing connection that never joined")
		r.metrics.closed.WithLabelValues(closedJoinTimeout).Inc()
		_ = conn.Close(network.CodeJoinTimeout, network.ReasonJoinTimeout)
	}
}
