package chat

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
)

const collectorPollInterval = 250 * time.Millisecond

// A serviceCollector gathers the payloads multicast on the discoverer's
// group.
type serviceCollector struct {
	sd *ServiceDiscoverer

	// responses is keyed by source address and payload, so one host may
	// announce more than one service.
	responses map[string]Service
	order     []string

	// finished is closed when the collector stops on its own, because
	// OnServiceFoundFunc asked it to or MaxServices was reached.
	finished chan struct{}

	// wg is done once the collector has exited; only then may responses be
	// read.
	wg sync.WaitGroup
}

func newServiceCollector(sd *ServiceDiscoverer) *serviceCollector {
	return &serviceCollector{
		sd:        sd,
		responses: make(map[string]Service),
		finished:  make(chan struct{}),
	}
}

func (s *serviceCollector) listenForAndCollectResponses(ctx context.Context, conn multicastConn) {
	defer s.wg.Done()

	localAddresses := newLocalAddressTracker(s.sd.interfaces)
	buf := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(collectorPollInterval))
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.WithError(err).Debug("multicast read failed")
			return
		}

		if n == 0 {
			continue
		}

		srcHost, _, err := net.SplitHostPort(src.String())
		if err != nil {
			continue
		}

		if localAddresses.isLocalAddress(srcHost) && !s.sd.AllowLocal {
			continue
		}

		service := Service{Address: srcHost, PayloadResponse: append([]byte(nil), buf[:n]...)}
		key := srcHost + "\x00" + string(service.PayloadResponse)
		if _, seen := s.responses[key]; seen {
			continue
		}
		s.responses[key] = service
		s.order = append(s.order, key)

		if s.sd.OnServiceFoundFunc(&service) || maxServicesFound(len(s.responses), s.sd.MaxServices) {
			close(s.finished)
			return
		}
	}
}

func maxServicesFound(found, maxServices int) bool {
	if maxServices < 0 {
		return false
	}

	return found >= maxServices
}

// toServicesList returns the services in the order they were first seen.
func (s *serviceCollector) toServicesList() []Service {
	servicesFound := make([]Service, 0, len(s.order))
	for _, key := range s.order {
		servicesFound = append(servicesFound, s.responses[key])
	}
	return servicesFound
}

// localAddressTracker knows every address of this host.
type localAddressTracker struct {
	localAddressMap map[string]bool
}

func newLocalAddressTracker(interfaces []net.Interface) *localAddressTracker {
	localAddressMap := map[string]bool{
		"localhost": true,
		"127.0.0.1": true,
		"::1":       true,
	}

	for _, networkInterface := range interfaces {
		addrs, err := networkInterface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipAddress, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			localAddressMap[ipAddress.String()] = true
		}
	}

	return &localAddressTracker{localAddressMap: localAddressMap}
}

func (t *localAddressTracker) isLocalAddress(addr string) bool {
	return t.localAddressMap[addr]
}
