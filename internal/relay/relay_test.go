package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtarcea/sigrelay/internal/network"
	"github.com/gtarcea/sigrelay/pkg/msgs"
	"github.com/gtarcea/sigrelay/pkg/signature"
)

const (
	waitFor   = 2 * time.Second
	quietTime = 150 * time.Millisecond
)

var (
	keysOnce                    sync.Once
	aliceKeys, bobKeys, eveKeys *signature.KeyPair
)

func testKeys(t *testing.T) {
	keysOnce.Do(func() {
		var err error
		for _, k := range []**signature.KeyPair{&aliceKeys, &bobKeys, &eveKeys} {
			if *k, err = signature.GenerateKeyPair(); err != nil {
				panic(err)
			}
		}
	})
}

// participant is the client end of a connection served by a Relay. Frames
// are read in the background so tests can also assert silence.
type participant struct {
	t      *testing.T
	conn   network.Conn
	frames chan []byte
	closed chan error
	served chan struct{}
}

func connect(t *testing.T, ctx context.Context, r *Relay) *participant {
	t.Helper()
	clientEnd, relayEnd := network.Pipe()
	p := &participant{
		t:      t,
		conn:   clientEnd,
		frames: make(chan []byte, 64),
		closed: make(chan error, 1),
		served: make(chan struct{}),
	}

	go func() {
		defer close(p.served)
		r.ServeConn(ctx, relayEnd)
	}()

	go func() {
		for {
			b, err := clientEnd.ReadFrame()
			if err != nil {
				p.closed <- err
				return
			}
			p.frames <- b
		}
	}()

	return p
}

func (p *participant) send(frame interface{}) {
	p.t.Helper()
	b, err := msgs.Encode(frame)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteFrame(b))
}

func (p *participant) raw() []byte {
	p.t.Helper()
	select {
	case b := <-p.frames:
		return b
	case err := <-p.closed:
		p.t.Fatalf("connection closed while waiting for a frame: %v", err)
	case <-time.After(waitFor):
		p.t.Fatal("no frame")
	}
	return nil
}

func (p *participant) next() interface{} {
	p.t.Helper()
	frame, err := msgs.Decode(p.raw())
	require.NoError(p.t, err)
	return frame
}

func (p *participant) system() *msgs.System {
	p.t.Helper()
	sys, ok := p.next().(*msgs.System)
	require.True(p.t, ok, "expected a system frame")
	return sys
}

func (p *participant) roster(names ...string) {
	p.t.Helper()
	sys := p.system()
	assert.Equal(p.t, textRoster, sys.Text)
	assert.Equal(p.t, names, sys.UserList)
}

func (p *participant) notice(text string) {
	p.t.Helper()
	sys := p.system()
	assert.Equal(p.t, text, sys.Text)
	assert.Nil(p.t, sys.UserList)
}

func (p *participant) quiet() {
	p.t.Helper()
	select {
	case b := <-p.frames:
		p.t.Fatalf("unexpected frame: %s", b)
	case <-time.After(quietTime):
	}
}

func (p *participant) closedWith(code int) {
	p.t.Helper()
	select {
	case b := <-p.frames:
		p.t.Fatalf("unexpected frame before close: %s", b)
	case err := <-p.closed:
		ce, ok := network.AsCloseError(err)
		require.True(p.t, ok, "expected close error, got %v", err)
		assert.Equal(p.t, code, ce.Code)
	case <-time.After(waitFor):
		p.t.Fatal("connection not closed")
	}
}

// closedEventually is closedWith for callers that do not care which frames
// arrive before the close.
func (p *participant) closedEventually(code int) {
	p.t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case <-p.frames:
		case err := <-p.closed:
			ce, ok := network.AsCloseError(err)
			require.True(p.t, ok, "expected close error, got %v", err)
			assert.Equal(p.t, code, ce.Code)
			return
		case <-deadline:
			p.t.Fatal("connection not closed")
		}
	}
}

func (p *participant) leave() {
	p.t.Helper()
	_ = p.conn.Close(network.CodeNormal, "")
	select {
	case <-p.served:
	case <-time.After(waitFor):
		p.t.Fatal("relay did not release connection")
	}
}

func (p *participant) join(name string, keys *signature.KeyPair) {
	p.send(msgs.NewJoin(name, keys.PublicKey()))
}

func signed(t *testing.T, keys *signature.KeyPair, text string) *msgs.Message {
	t.Helper()
	sig, err := keys.SignString(text)
	require.NoError(t, err)
	return msgs.NewMessage(text, sig)
}

func ackFor(t *testing.T, keys *signature.KeyPair, originalSignature string) *msgs.Acknowledgment {
	t.Helper()
	sig, err := keys.SignString(originalSignature)
	require.NoError(t, err)
	return msgs.NewAcknowledgment(originalSignature, sig)
}

// pair joins alice and bob and drains the join notices.
func pair(t *testing.T, ctx context.Context, r *Relay) (*participant, *participant) {
	t.Helper()
	alice := connect(t, ctx, r)
	alice.join("alice", aliceKeys)
	alice.roster("alice")

	bob := connect(t, ctx, r)
	bob.join("bob", bobKeys)
	alice.roster("alice", "bob")
	alice.notice("bob entrou no chat.")
	bob.roster("alice", "bob")
	bob.notice("Você está conversando com alice.")
	return alice, bob
}

func TestSessionScenarios(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(Config{})

	// A lone participant only sees the roster.
	alice := connect(t, ctx, r)
	alice.join("alice", aliceKeys)
	alice.roster("alice")
	alice.quiet()

	// The second participant is announced to the first and told who its
	// peer is.
	bob := connect(t, ctx, r)
	bob.join("bob", bobKeys)
	alice.roster("alice", "bob")
	alice.notice("bob entrou no chat.")
	bob.roster("alice", "bob")
	bob.notice("Você está conversando com alice.")

	// A verified message goes to the peer only, tagged with the sender.
	hi := signed(t, aliceKeys, "hi")
	alice.send(hi)
	assert.JSONEq(t,
		fmt.Sprintf(`{"type":"message","username":"alice","text":"hi","signature":%q}`, hi.Signature),
		string(bob.raw()))
	alice.quiet()

	// A signature from another key is refused and reported to the sender.
	forged := signed(t, eveKeys, "transfer everything")
	alice.send(forged)
	alice.notice(textBadMessageSignature)
	bob.quiet()

	// The acknowledgment reaches the original sender naming who received it.
	bob.send(ackFor(t, bobKeys, hi.Signature))
	assert.JSONEq(t,
		fmt.Sprintf(`{"type":"acknowledgment","originalSignature":%q,"recipient":"bob"}`, hi.Signature),
		string(alice.raw()))
	bob.quiet()

	// Leaving frees the slot and tells whoever remains.
	bob.leave()
	alice.roster("alice")
	alice.notice("bob saiu do chat.")
	assert.Equal(t, 1, r.Registry().Len())

	carol := connect(t, ctx, r)
	carol.join("carol", bobKeys)
	alice.roster("alice", "carol")
	alice.notice("carol entrou no chat.")
	carol.roster("alice", "carol")
	carol.notice("Você está conversando com alice.")

	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.forwarded.WithLabelValues(msgs.TypeMessage)))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.forwarded.WithLabelValues(msgs.TypeAcknowledgment)))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.signatureFailures.WithLabelValues(msgs.TypeMessage)))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.metrics.participants))
	assert.Greater(t, testutil.ToFloat64(r.metrics.frameBytes.WithLabelValues(msgs.TypeJoin)), float64(0))
}

func TestInvalidAcknowledgmentIsReported(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(Config{})
	alice, bob := pair(t, ctx, r)

	hi := signed(t, aliceKeys, "hi")
	alice.send(hi)
	bob.next()

	// Signed over the text instead of the original signature.
	wrong := ackFor(t, bobKeys, "hi")
	wrong.OriginalSignature = hi.Signature
	bob.send(wrong)
	bob.notice(textBadAckSignature)
	alice.quiet()

	// Incomplete acknowledgments and messages are ignored outright.
	bob.send(msgs.NewAcknowledgment(hi.Signature, ""))
	bob.send(msgs.NewMessage("", "c2ln"))
	bob.send(msgs.NewMessage("text", ""))
	bob.quiet()
	alice.quiet()
}

func TestThirdConnectionIsRefused(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(Config{})

	alice, bob := pair(t, ctx, r)

	carol := connect(t, ctx, r)
	carol.closedWith(network.CodeChatFull)
	alice.quiet()
	bob.quiet()
	assert.Equal(t, 2, r.Registry().Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(r.metrics.closed.WithLabelValues(closedChatFull)))
}

func TestUnjoinedConnectionsHoldSlots(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(Config{})

	lurker := connect(t, ctx, r)
	alice := connect(t, ctx, r)
	alice.join("alice", aliceKeys)
	alice.roster("alice")
	require.Eventually(t, func() bool { return r.Registry().Occupied() == 2 }, waitFor, 10*time.Millisecond)

	late := connect(t, ctx, r)
	late.closedWith(network.CodeChatFull)

	// The lurker leaving without joining is not announced.
	lurker.leave()
	alice.quiet()

	bob := connect(t, ctx, r)
	bob.join("bob", bobKeys)
	alice.roster("alice", "bob")
}

func TestJoinRequiresFields(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(Config{})

	p := connect(t, ctx, r)
	p.send(msgs.NewJoin("alice", ""))
	p.closedWith(network.CodeMissingJoinFields)

	select {
	case <-p.served:
	case <-time.After(waitFor):
		t.Fatal("relay did not release connection")
	}
	assert.Equal(t, 0, r.Registry().Occupied())
}

func TestFramesBeforeJoin(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRelay(Config{})
	p := connect(t, ctx, r)
	p.send(signed(t, aliceKeys, "hi"))
	p.send(ackFor(t, aliceKeys, "sig"))
	p.send(msgs.NewSystem("pretending to be the relay"))
	require.NoError(t, p.conn.WriteFrame([]byte(`{"type":`)))
	require.NoError(t, p.conn.WriteFrame([]byte(`[1,2,3]`)))
	p.quiet()

	p.join("alice", aliceKeys)
	p.roster("alice")

	strict := NewRelay(Config{RejectBeforeJoin: true})
	q := connect(t, ctx, strict)
	require.NoError(t, q.conn.WriteFrame([]byte(`not json`)))
	q.send(signed(t, aliceKeys, "hi"))
	q.closedWith(network.CodeJoinRequired)
}

func TestMessageWithoutPeerIsDropped(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(Config{})

	alice := connect(t, ctx, r)
	alice.join("alice", aliceKeys)
	alice.roster("alice")

	alice.send(signed(t, aliceKeys, "anyone?"))
	alice.quiet()

	alice.send(signed(t, eveKeys, "anyone?"))
	alice.notice(textBadMessageSignature)
}

func TestRejoinReplacesIdentity(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewRelay(Config{})
	alice, bob := pair(t, ctx, r)

	alice.join("alicia", eveKeys)
	alice.roster("alicia", "bob")
	alice.notice("Você está conversando com bob.")
	bob.roster("alicia", "bob")
	bob.notice("alicia entrou no chat.")

	// The old key no longer verifies.
	alice.send(signed(t, aliceKeys, "hi"))
	alice.notice(textBadMessageSignature)

	m := signed(t, eveKeys, "hi")
	alice.send(m)
	got, ok := bob.next().(*msgs.Message)
	require.True(t, ok)
	assert.Equal(t, "alicia", got.Username)
}

func TestJoinTimeoutClosesLurkers(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRelay(Config{JoinTimeout: time.Minute})
	now := time.Now()
	var mu sync.Mutex
	r.registry.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	lurker := connect(t, ctx, r)
	alice := connect(t, ctx, r)
	alice.join("alice", aliceKeys)
	alice.roster("alice")

	require.Eventually(t, func() bool { return r.Registry().Occupied() == 2 }, waitFor, 10*time.Millisecond)

	r.removeUnjoinedConnections()
	lurker.quiet()

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	r.removeUnjoinedConnections()
	lurker.closedWith(network.CodeJoinTimeout)
	alice.quiet()
	require.Eventually(t, func() bool { return r.Registry().Occupied() == 1 }, waitFor, 10*time.Millisecond)
}

func TestCancelClosesConnectionsGoingAway(t *testing.T) {
	testKeys(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRelay(Config{})
	alice, bob := pair(t, ctx, r)

	cancel()
	alice.closedEventually(network.CodeGoingAway)
	bob.closedEventually(network.CodeGoingAway)

	require.Eventually(t, func() bool { return r.Registry().Occupied() == 0 }, waitFor, 10*time.Millisecond)
}
