package chat

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ServiceName identifies relay announcements on the multicast group.
const ServiceName = "sigrelay"

// Announcement is the payload a relay multicasts. A URL whose host is empty
// or unspecified is completed with the address the announcement came from.
type Announcement struct {
	Service string `json:"service"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	QUICURL string `json:"quicUrl,omitempty"`
}

// RelayInfo is a relay found on the LAN.
type RelayInfo struct {
	Name    string
	URL     string
	QUICURL string
	Address string
}

// DiscoverOpts tunes FindRelays and AnnounceRelay. Zero values take the
// ServiceDiscoverer defaults.
type DiscoverOpts struct {
	Port             int
	MulticastAddress string
	UseIPV6          bool
	Timeout          time.Duration
	MaxRelays        int
	Interval         time.Duration
}

func (o DiscoverOpts) discoverer() *ServiceDiscoverer {
	return &ServiceDiscoverer{
		Port:             o.Port,
		MulticastAddress: o.MulticastAddress,
		UseIPV6:          o.UseIPV6,
		TimeLimit:        o.Timeout,
		MaxServices:      o.MaxRelays,
		BroadcastDelay:   o.Interval,
		AllowLocal:       true,
	}
}

// AnnounceRelay multicasts a until ctx is cancelled.
func AnnounceRelay(ctx context.Context, a Announcement, opts DiscoverOpts) error {
	a.Service = ServiceName
	payload, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encode announcement")
	}

	sd := opts.discoverer()
	sd.TimeLimit = -1
	return sd.BroadcastService(ctx, payload)
}

// FindRelays listens for relay announcements until opts.Timeout passes,
// opts.MaxRelays relays are found, or ctx is cancelled. Payloads that are not
// relay announcements are ignored.
func FindRelays(ctx context.Context, opts DiscoverOpts) ([]RelayInfo, error) {
	sd := opts.discoverer()
	maxRelays := sd.MaxServices
	sd.MaxServices = -1

	var relays []RelayInfo
	seen := make(map[string]bool)
	sd.OnServiceFoundFunc = func(service *Service) bool {
		info, ok := parseAnnouncement(service)
		if !ok || seen[info.URL] {
			return false
		}
		seen[info.URL] = true
		relays = append(relays, info)
		return maxRelays > 0 && len(relays) >= maxRelays
	}

	if _, err := sd.FindServices(ctx); err != nil {
		return nil, err
	}

	return relays, nil
}

func parseAnnouncement(service *Service) (RelayInfo, bool) {
	var a Announcement
	if err := json.Unmarshal(service.PayloadResponse, &a); err != nil {
		return RelayInfo{}, false
	}

	if a.Service != ServiceName || a.URL == "" {
		return RelayInfo{}, false
	}

	relayURL, err := completeURL(a.URL, service.Address)
	if err != nil {
		return RelayInfo{}, false
	}

	info := RelayInfo{Name: a.Name, URL: relayURL, Address: service.Address}
	if a.QUICURL != "" {
		if info.QUICURL, err = completeURL(a.QUICURL, service.Address); err != nil {
			info.QUICURL = ""
		}
	}

	return info, true
}

// completeURL fills in the host of an announced URL when the relay did not
// know its own address.
func completeURL(raw, sourceAddress string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	host, port := u.Hostname(), u.Port()
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if port == "" {
			u.Host = bracketIPv6(sourceAddress)
		} else {
			u.Host = net.JoinHostPort(sourceAddress, port)
		}
	}

	return u.String(), nil
}

func bracketIPv6(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}
