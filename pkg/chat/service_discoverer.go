package chat

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// A ServiceDiscoverer multicasts a payload on a group address and port, and
// collects the payloads other hosts multicast on the same group. Relays use
// it to announce themselves; clients use it to find them.
type ServiceDiscoverer struct {
	// Port of the multicast group. Defaults to 9999.
	Port int

	// MulticastAddress defaults to 239.255.255.250, or ff02::c when UseIPV6
	// is set.
	MulticastAddress string

	// BroadcastDelay is the pause between broadcasts. Defaults to 1 second.
	BroadcastDelay time.Duration

	// MaxServices stops collection once this many distinct services have
	// been seen. Defaults to -1, unlimited.
	MaxServices int

	// TimeLimit bounds a broadcast or collection run. Defaults to 10
	// seconds; a negative value runs until the context is cancelled.
	TimeLimit time.Duration

	UseIPV6 bool

	// AllowLocal keeps services announced by this host.
	AllowLocal bool

	// OnServiceFoundFunc is called for every service collected. Returning
	// true stops collection.
	OnServiceFoundFunc OnServiceFoundFunc

	ctx        context.Context
	payload    []byte
	interfaces []net.Interface
	packetConn multicastConn
}

// OnServiceFoundFunc returns true when collection should stop.
type OnServiceFoundFunc func(service *Service) bool

var DefaultOnServiceFoundFunc OnServiceFoundFunc = func(service *Service) bool {
	return false
}

// A Service is one payload seen on the group.
type Service struct {
	// Address is the IP the payload came from.
	Address string

	PayloadResponse []byte
}

// FindServices listens on the group until TimeLimit, MaxServices or ctx ends
// collection, and returns the services heard. It does not broadcast.
func (s *ServiceDiscoverer) FindServices(ctx context.Context) ([]Service, error) {
	if err := s.finishServiceDiscovererSetup(ctx, nil); err != nil {
		return nil, err
	}

	defer s.packetConn.Close()

	sdLoop := &serviceDiscovererLoop{sd: s}
	return sdLoop.collectLoop()
}

// BroadcastService multicasts payload every BroadcastDelay until TimeLimit
// passes or ctx is cancelled.
func (s *ServiceDiscoverer) BroadcastService(ctx context.Context, payload []byte) error {
	if err := s.finishServiceDiscovererSetup(ctx, payload); err != nil {
		return err
	}

	defer s.packetConn.Close()

	sdLoop := &serviceDiscovererLoop{sd: s}
	sdLoop.broadcastLoop(s.groupAddr())

	return nil
}

func (s *ServiceDiscoverer) groupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(s.MulticastAddress), Port: s.Port}
}

func (s *ServiceDiscoverer) finishServiceDiscovererSetup(ctx context.Context, payload []byte) error {
	s.ctx = ctx
	s.payload = payload

	s.setDefaultValuesForServiceDiscoverer()

	networkInterfaces, err := net.Interfaces()
	if err != nil {
		return errors.Wrap(err, "list network interfaces")
	}
	s.interfaces = multicastInterfaces(networkInterfaces)

	s.packetConn, err = listenMulticast(s.MulticastAddress, s.Port, s.UseIPV6, s.interfaces)
	if err != nil {
		return errors.Wrapf(err, "listen on %s:%d", s.MulticastAddress, s.Port)
	}

	return nil
}

func (s *ServiceDiscoverer) setDefaultValuesForServiceDiscoverer() {
	if s.MaxServices == 0 {
		s.MaxServices = -1
	}

	if s.Port == 0 {
		s.Port = 9999
	}

	if s.MulticastAddress == "" {
		s.MulticastAddress = "239.255.255.250"
		if s.UseIPV6 {
			s.MulticastAddress = "ff02::c"
		}
	}

	if s.TimeLimit == 0 {
		s.TimeLimit = 10 * time.Second
	}

	if s.BroadcastDelay == 0 {
		s.BroadcastDelay = 1 * time.Second
	}

	if s.OnServiceFoundFunc == nil {
		s.OnServiceFoundFunc = DefaultOnServiceFoundFunc
	}
}

// multicastInterfaces keeps the interfaces that are up and can multicast.
func multicastInterfaces(interfaces []net.Interface) []net.Interface {
	var usable []net.Interface
	for _, ni := range interfaces {
		if ni.Flags&net.FlagUp != 0 && ni.Flags&net.FlagMulticast != 0 {
			usable = append(usable, ni)
		}
	}
	return usable
}
