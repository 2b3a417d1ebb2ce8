package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gtarcea/sigrelay/internal/network"
)

// Config holds the relay server settings.
type Config struct {
	// Addr is the HTTP listen address for WebSocket clients. TLS is expected
	// to be terminated in front of the relay.
	Addr string

	// Path is where WebSocket upgrades are served.
	Path string

	// QUICAddr enables the QUIC listener when set.
	QUICAddr string

	// TLSConfig is used for the QUIC listener. When nil a self-signed
	// certificate is generated.
	TLSConfig *tls.Config

	MetricsPath string

	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string

	// JoinTimeout closes connections that have not joined within it. Zero
	// disables the check.
	JoinTimeout time.Duration

	// RejectBeforeJoin closes a connection that sends anything but join
	// before joining. By default such frames are ignored.
	RejectBeforeJoin bool

	// Announce multicasts the relay's URL on the LAN.
	Announce bool

	// Name is the relay's display name in announcements.
	Name string
}

var DefaultConfig = Config{
	Addr:        ":8080",
	Path:        "/ws",
	MetricsPath: "/metrics",
	Name:        "sigrelay",
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultConfig.Addr
	}

	if c.Path == "" {
		c.Path = DefaultConfig.Path
	}

	if c.MetricsPath == "" {
		c.MetricsPath = DefaultConfig.MetricsPath
	}

	if c.Name == "" {
		c.Name = DefaultConfig.Name
	}
}

// Server exposes a Relay over WebSocket and, optionally, QUIC.
type Server struct {
	cfg      Config
	relay    *Relay
	upgrader *websocket.Upgrader

	ctx        context.Context
	httpServer *http.Server
	listener   net.Listener
	quic       *network.QUICListener

	// conns tracks connection goroutines so Wait can return once they are
	// all done.
	conns sync.WaitGroup
	wg    sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:      cfg,
		relay:    NewRelay(cfg),
		upgrader: network.NewUpgrader(cfg.AllowedOrigins),
		ctx:      context.Background(),
	}
}

func (s *Server) Relay() *Relay {
	return s.relay
}

// Handler returns the HTTP routes: the WebSocket endpoint, metrics and a
// health check. It can be mounted without calling Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWebSocket)
	mux.Handle(s.cfg.MetricsPath, s.relay.metrics.handler())
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := network.Upgrade(s.upgrader, w, r)
	if err != nil {
		log.WithError(err).WithField("remote", r.RemoteAddr).Debug("websocket upgrade failed")
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()
	s.relay.ServeConn(s.ctx, conn)
}

type health struct {
	Status       string `json:"status"`
	Participants int    `json:"participants"`
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health{Status: "ok", Participants: s.relay.registry.Len()})
}

// Start begins listening and returns once the listeners are up. Everything
// shuts down when ctx is cancelled; connected clients are closed with
// CodeGoingAway. Use Wait to block until shutdown completes.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx

	var err error
	if s.listener, err = net.Listen("tcp", s.cfg.Addr); err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}

	if s.cfg.QUICAddr != "" {
		if s.quic, err = network.ListenQUIC(s.cfg.QUICAddr, s.cfg.TLSConfig); err != nil {
			_ = s.listener.Close()
			return err
		}
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.runHTTPServer()

	if s.quic != nil {
		s.wg.Add(1)
		go s.runQUICServer(ctx)
	}

	if s.cfg.JoinTimeout > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.relay.runJoinTimeoutReaper(ctx)
		}()
	}

	if s.cfg.Announce {
		s.wg.Add(1)
		go s.runAnnouncer(ctx)
	}

	go s.shutdownOnDone(ctx)

	log.WithFields(log.Fields{"addr": s.Addr(), "path": s.cfg.Path, "quic": s.QUICAddr()}).Info("relay listening")
	return nil
}

func (s *Server) runHTTPServer() {
	defer s.wg.Done()
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("http server stopped")
	}
}

func (s *Server) runQUICServer(c context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.quic.Accept(c)
		if err != nil {
			if c.Err() == nil {
				log.WithError(err).Error("quic accept failed")
			}
			return
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.relay.ServeConn(c, conn)
		}()
	}
}

func (s *Server) shutdownOnDone(c context.Context) {
	<-c.Done()
	log.Infof("Shutting down relay server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)

	if s.quic != nil {
		_ = s.quic.Close()
	}
}

// Wait blocks until a started server has shut down and every connection has
// been released.
func (s *Server) Wait() {
	s.wg.Wait()
	s.conns.Wait()
}

// Addr is the bound HTTP address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// QUICAddr is the bound QUIC address, or empty when QUIC is off.
func (s *Server) QUICAddr() string {
	if s.quic == nil {
		return ""
	}
	return s.quic.Addr()
}
