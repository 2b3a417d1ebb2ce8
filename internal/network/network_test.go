package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLengthPrefixedFraming(t *testing.T) {
	var buf bytes.Buffer
	_, err := Write(&buf, []byte(`{"type":"join"}`))
	require.NoError(t, err)
	_, err = Write(&buf, []byte(`{}`))
	require.NoError(t, err)

	b, n, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, `{"type":"join"}`, string(b))

	b, _, err = Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(b))
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0x7f}
	_, _, err := Read(bytes.NewReader(header))
	assert.Error(t, err)
}

func TestPipeDeliversPendingFramesBeforeClose(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.WriteFrame([]byte("one")))
	require.NoError(t, a.WriteFrame([]byte("two")))
	require.NoError(t, a.Close(CodeChatFull, ReasonChatFull))

	got, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	got, err = b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	_, err = b.ReadFrame()
	ce, ok := AsCloseError(err)
	require.True(t, ok)
	assert.Equal(t, CodeChatFull, ce.Code)
	assert.Equal(t, ReasonChatFull, ce.Reason)

	assert.Equal(t, ErrClosed, b.WriteFrame([]byte("late")))
	assert.NoError(t, b.Close(CodeNormal, ""))
}

func TestWebSocketRoundTripAndCloseCode(t *testing.T) {
	upgrader := NewUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(upgrader, w, r)
		if err != nil {
			return
		}
		b, err := conn.ReadFrame()
		if err != nil {
			return
		}
		_ = conn.WriteFrame(append([]byte("echo:"), b...))
		_ = conn.Close(CodeMissingJoinFields, ReasonMissingJoinFields)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ID())

	require.NoError(t, conn.WriteFrame([]byte("hi")))
	b, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(b))

	_, err = conn.ReadFrame()
	ce, ok := AsCloseError(err)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CodeMissingJoinFields, ce.Code)
	assert.Equal(t, ReasonMissingJoinFields, ce.Reason)
	_ = conn.Close(CodeNormal, "")
}

func TestUpgraderOriginCheck(t *testing.T) {
	up := NewUpgrader([]string{"https://chat.example"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, up.CheckOrigin(r))

	r.Header.Set("Origin", "https://chat.example")
	assert.True(t, up.CheckOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(r))

	assert.True(t, NewUpgrader(nil).CheckOrigin(r))
}

func TestQUICSilentSessionDoesNotBlockAccept(t *testing.T) {
	l, err := ListenQUIC("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Completes the handshake but never opens a stream.
	silent, err := quic.DialAddr(ctx, l.Addr(), &tls.Config{InsecureSkipVerify: true, NextProtos: []string{QUICProtocol}}, nil)
	require.NoError(t, err)
	defer silent.CloseWithError(0, "")

	start := time.Now()
	client, err := DialQUIC(ctx, l.Addr(), true)
	require.NoError(t, err)
	defer client.Close(CodeNormal, "")
	require.NoError(t, client.WriteFrame([]byte(`{"type":"join"}`)))

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 2*time.Second)
	defer acceptCancel()
	server, err := l.Accept(acceptCtx)
	require.NoError(t, err)
	assert.Less(t, int64(time.Since(start)), int64(streamAcceptTimeout/2))

	b, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"join"}`, string(b))

	require.NoError(t, server.Close(CodeChatFull, ReasonChatFull))
	_, err = client.ReadFrame()
	ce, ok := AsCloseError(err)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CodeChatFull, ce.Code)
}

func TestQUICAcceptAfterClose(t *testing.T) {
	l, err := ListenQUIC("127.0.0.1:0", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	assert.Error(t, err)
}
