package chat

import (
	"context"
	"net"
	"time"

	"github.com/apex/log"
)

type serviceDiscovererLoop struct {
	sd *ServiceDiscoverer
}

func (s *serviceDiscovererLoop) broadcastLoop(broadcastAddr *net.UDPAddr) {
	startingTime := time.Now()

BroadcastLoop:
	for {
		s.broadcast(broadcastAddr)

		if discoveryTimeLimitReached(startingTime, s.sd.TimeLimit) {
			break
		}

		select {
		case <-s.sd.ctx.Done():
			break BroadcastLoop
		case <-time.After(s.sd.BroadcastDelay):
		}
	}
}

// collectLoop runs a collector until the time limit passes, the collector
// has found enough services, or ctx is cancelled.
func (s *serviceDiscovererLoop) collectLoop() ([]Service, error) {
	ctx, cancelCollection := context.WithCancel(s.sd.ctx)
	defer cancelCollection()

	collector := newServiceCollector(s.sd)
	collector.wg.Add(1)
	go collector.listenForAndCollectResponses(ctx, s.sd.packetConn)

	var timeLimit <-chan time.Time
	if s.sd.TimeLimit >= 0 {
		timer := time.NewTimer(s.sd.TimeLimit)
		defer timer.Stop()
		timeLimit = timer.C
	}

	select {
	case <-s.sd.ctx.Done():
	case <-collector.finished:
	case <-timeLimit:
	}

	cancelCollection()
	collector.wg.Wait()

	return collector.toServicesList(), nil
}

// broadcast writes the payload to the group on every interface.
func (s *serviceDiscovererLoop) broadcast(dst *net.UDPAddr) {
	for i := range s.sd.interfaces {
		iface := &s.sd.interfaces[i]
		if err := s.sd.packetConn.SetMulticastInterface(iface); err != nil {
			log.WithError(err).WithField("interface", iface.Name).Debug("cannot multicast on interface")
			continue
		}

		_ = s.sd.packetConn.SetMulticastTTL(2)
		if _, err := s.sd.packetConn.WriteTo(s.sd.payload, dst); err != nil {
			log.WithError(err).WithField("interface", iface.Name).Debug("multicast write failed")
		}
	}
}

// discoveryTimeLimitReached treats a negative limit as no limit.
func discoveryTimeLimitReached(startingTime time.Time, durationLimit time.Duration) bool {
	if durationLimit < 0 {
		return false
	}

	return time.Since(startingTime) > durationLimit
}
