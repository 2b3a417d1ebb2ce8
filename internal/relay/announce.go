package relay

import (
	"context"
	"net"

	"github.com/apex/log"

	"github.com/gtarcea/sigrelay/pkg/chat"
)

func (s *Server) runAnnouncer(c context.Context) {
	defer s.wg.Done()

	a := s.announcement()
	log.WithFields(log.Fields{"name": a.Name, "url": a.URL}).Info("announcing relay on the LAN")

	if err := chat.AnnounceRelay(c, a, chat.DiscoverOpts{}); err != nil {
		log.WithError(err).Warn("relay announcement stopped")
	}
}

func (s *Server) announcement() chat.Announcement {
	a := chat.Announcement{
		Name: s.cfg.Name,
		URL:  announcedURL("ws", s.Addr(), s.cfg.Path),
	}

	if s.quic != nil {
		a.QUICURL = announcedURL("quic", s.quic.Addr(), "")
	}

	return a
}

// announcedURL builds a URL for a listen address. Wildcard hosts are left
// empty for listeners to fill in with the announcement's source.
func announcedURL(scheme, addr, path string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return scheme + "://" + addr + path
	}

	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = ""
	}

	if host == "" {
		return scheme + "://:" + port + path
	}
	return scheme + "://" + net.JoinHostPort(host, port) + path
}
