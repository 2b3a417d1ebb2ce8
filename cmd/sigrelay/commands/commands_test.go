package commands

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtarcea/sigrelay/internal/network"
	"github.com/gtarcea/sigrelay/internal/relay"
	"github.com/gtarcea/sigrelay/pkg/chat"
)

// syncBuffer is written by runChat while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, setupLogging("debug", "json"))
	assert.Equal(t, log.DebugLevel, log.Log.(*log.Logger).Level)

	require.NoError(t, setupLogging("info", "cli"))
	assert.Error(t, setupLogging("loud", "cli"))
	assert.Error(t, setupLogging("info", "xml"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "sigrelay dev\n", out.String())
}

func TestClosedErr(t *testing.T) {
	assert.NoError(t, closedErr(errors.New("boom"), true))
	assert.NoError(t, closedErr(network.NewCloseError(network.CodeNormal, ""), false))

	err := closedErr(network.NewCloseError(network.CodeChatFull, network.ReasonChatFull), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat full (4001)")

	assert.Error(t, closedErr(errors.New("reset"), false))
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, chat.Event{Kind: chat.EventMessage, Outgoing: true, Text: "oi"})
	printEvent(&out, chat.Event{Kind: chat.EventMessage, Seq: 3, Username: "bob", Text: "olá"})
	printEvent(&out, chat.Event{Kind: chat.EventDelivered, Username: "bob", Text: "oi"})
	printEvent(&out, chat.Event{Kind: chat.EventSystem, Text: "bob entrou no chat."})
	printEvent(&out, chat.Event{Kind: chat.EventRoster, Roster: []string{"alice", "bob"}})

	assert.Equal(t, "[you] oi\n"+
		"[3] bob: olá\n"+
		"* delivered to bob: oi\n"+
		"* bob entrou no chat.\n"+
		"* online: alice, bob\n", out.String())
}

func TestHandleLineWithoutConnection(t *testing.T) {
	c := chat.NewClient(&chat.ClientOpts{Username: "alice"})
	var out bytes.Buffer

	quit, err := handleLine(c, "   ", &out)
	assert.False(t, quit)
	assert.NoError(t, err)

	quit, err = handleLine(c, "/quit", &out)
	assert.True(t, quit)
	assert.NoError(t, err)

	_, err = handleLine(c, "/ack x", &out)
	assert.EqualError(t, err, "usage: /ack <n>")

	_, err = handleLine(c, "/ack 1", &out)
	assert.Error(t, err)

	_, err = handleLine(c, "hello", &out)
	assert.Equal(t, chat.ErrNotConnected, err)
}

func TestRunChatAgainstRelay(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Config{}).Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + relay.DefaultConfig.Path

	bob := chat.NewClient(&chat.ClientOpts{RelayURL: url, Username: "bob"})
	require.NoError(t, bob.GenerateKeys())
	require.NoError(t, bob.Connect(context.Background()))
	defer bob.Close()

	alice := chat.NewClient(&chat.ClientOpts{RelayURL: url, Username: "alice"})
	require.NoError(t, alice.GenerateKeys())
	require.NoError(t, alice.Connect(context.Background()))

	in, stdin := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runChat(alice, in, out) }()

	require.Eventually(t, func() bool { return alice.State() == chat.StatePaired }, 2*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(stdin, "olá, bob\n")
	require.NoError(t, err)

	var received chat.Event
	require.Eventually(t, func() bool {
		select {
		case e := <-bob.Events():
			if e.Kind == chat.EventMessage {
				received = e
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "alice", received.Username)
	assert.Equal(t, "olá, bob", received.Text)

	require.NoError(t, bob.Acknowledge(received.Seq))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "* delivered to bob: olá, bob")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(stdin, "/quit\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not stop")
	}
	assert.Contains(t, out.String(), "[you] olá, bob")
	assert.Equal(t, chat.StateNoKeys, alice.State())
}

func TestRunChatReturnsWhenClosedEventIsDropped(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Config{}).Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + relay.DefaultConfig.Path

	alice := chat.NewClient(&chat.ClientOpts{RelayURL: url, Username: "alice", EventBuffer: 1})
	require.NoError(t, alice.GenerateKeys())
	require.NoError(t, alice.Connect(context.Background()))

	// The roster fills the single-slot buffer, so the closed event is lost.
	require.Eventually(t, func() bool { return len(alice.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.Close())

	in, stdin := io.Pipe()
	defer stdin.Close()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- runChat(alice, in, out) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not stop")
	}
	assert.NotNil(t, alice.Err())
	assert.Contains(t, out.String(), "* User list updated.")
}
