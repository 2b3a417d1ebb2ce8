package network

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN identifier both ends must offer.
const QUICProtocol = "sigrelay/1"

const streamAcceptTimeout = 10 * time.Second

// Idle chat sessions can sit quietly for a long time; the QUIC default of 30s
// would drop them.
var defaultQUICConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

// quicConn carries frames over the first bidirectional stream of a QUIC
// connection, each frame length-prefixed by Write.
type quicConn struct {
	id     string
	conn   quic.Connection
	stream quic.Stream
	mu     sync.Mutex
	closed bool
}

func newQUICConn(conn quic.Connection, stream quic.Stream) *quicConn {
	return &quicConn{id: uuid.NewString(), conn: conn, stream: stream}
}

func (c *quicConn) ID() string {
	return c.id
}

func (c *quicConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *quicConn) ReadFrame() ([]byte, error) {
	b, _, err := Read(c.stream)
	if err != nil {
		var appErr *quic.ApplicationError
		if errors.As(err, &appErr) {
			return nil, NewCloseError(int(appErr.ErrorCode), appErr.ErrorMessage)
		}
		return nil, err
	}
	return b, nil
}

func (c *quicConn) WriteFrame(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	_ = c.stream.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := Write(c.stream, b)
	return err
}

func (c *quicConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// QUICListener accepts relay connections over QUIC. Each session waits for
// its first stream on its own, so a client that never opens one only holds
// up itself.
type QUICListener struct {
	listener *quic.Listener
	conns    chan Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// ListenQUIC starts a QUIC listener on addr. A nil tlsConf gets a throwaway
// self-signed certificate, which is only useful with clients that skip
// verification.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		var err error
		if tlsConf, err = generateTLSConfig(); err != nil {
			return nil, errors.Wrap(err, "generate quic certificate")
		}
	} else {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{QUICProtocol}
	}

	listener, err := quic.ListenAddr(addr, tlsConf, defaultQUICConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "listen quic %s", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &QUICListener{
		listener: listener,
		conns:    make(chan Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
	go l.acceptLoop()

	return l, nil
}

func (l *QUICListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept(l.ctx)
		if err != nil {
			l.stop(err)
			return
		}

		go l.awaitStream(conn)
	}
}

func (l *QUICListener) awaitStream(conn quic.Connection) {
	streamCtx, cancel := context.WithTimeout(l.ctx, streamAcceptTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(CodeNormal), "no stream opened")
		return
	}

	c := newQUICConn(conn, stream)
	select {
	case l.conns <- c:
	case <-l.ctx.Done():
		_ = c.Close(CodeGoingAway, ReasonGoingAway)
	}
}

func (l *QUICListener) stop(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.cancel()
}

// Accept waits for the next connection that has opened its stream.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		return nil, l.err
	}
}

// Addr is the listening UDP address.
func (l *QUICListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *QUICListener) Close() error {
	l.stop(quic.ErrServerClosed)
	return l.listener.Close()
}

// DialQUIC connects to a relay's QUIC listener at host:port.
func DialQUIC(ctx context.Context, addr string, insecure bool) (Conn, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{QUICProtocol},
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, defaultQUICConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "dial quic %s", addr)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(CodeNormal), "")
		return nil, errors.Wrap(err, "open quic stream")
	}

	return newQUICConn(conn, stream), nil
}

// generateTLSConfig creates a self-signed certificate for development relays.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{QUICProtocol},
	}, nil
}
