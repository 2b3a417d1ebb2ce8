package chat

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// multicastConn hides the differences between the ipv4 and ipv6 packet
// connections so discovery code can be written once.
type multicastConn interface {
	Close() error
	JoinGroup(ifi *net.Interface, group net.Addr) error
	SetMulticastInterface(ini *net.Interface) error

	// SetMulticastTTL maps to SetMulticastHopLimit on ipv6.
	SetMulticastTTL(int) error

	SetReadDeadline(t time.Time) error

	// ReadFrom and WriteTo drop the per-family control messages.
	ReadFrom(buf []byte) (int, net.Addr, error)
	WriteTo(buf []byte, dst net.Addr) (int, error)
}

type ipv4Conn struct {
	*ipv4.PacketConn
}

func (p ipv4Conn) ReadFrom(buf []byte) (int, net.Addr, error) {
	n, _, addr, err := p.PacketConn.ReadFrom(buf)
	return n, addr, err
}

func (p ipv4Conn) WriteTo(buf []byte, dst net.Addr) (int, error) {
	return p.PacketConn.WriteTo(buf, nil, dst)
}

type ipv6Conn struct {
	*ipv6.PacketConn
}

func (p ipv6Conn) ReadFrom(buf []byte) (int, net.Addr, error) {
	n, _, addr, err := p.PacketConn.ReadFrom(buf)
	return n, addr, err
}

func (p ipv6Conn) WriteTo(buf []byte, dst net.Addr) (int, error) {
	return p.PacketConn.WriteTo(buf, nil, dst)
}

func (p ipv6Conn) SetMulticastTTL(i int) error {
	return p.SetMulticastHopLimit(i)
}

func newMulticastConn(conn net.PacketConn, useIPV6 bool) multicastConn {
	if useIPV6 {
		return ipv6Conn{PacketConn: ipv6.NewPacketConn(conn)}
	}
	return ipv4Conn{PacketConn: ipv4.NewPacketConn(conn)}
}

// listenMulticast opens a packet connection on the group address and joins
// the group on every interface that allows it.
func listenMulticast(multicastAddress string, port int, useIPV6 bool, interfaces []net.Interface) (multicastConn, error) {
	addr := net.JoinHostPort(multicastAddress, strconv.Itoa(port))
	conn, err := net.ListenPacket(udpNetwork(useIPV6), addr)
	if err != nil {
		return nil, err
	}

	packetConn := newMulticastConn(conn, useIPV6)
	group := &net.UDPAddr{IP: net.ParseIP(multicastAddress), Port: port}
	for i := range interfaces {
		_ = packetConn.JoinGroup(&interfaces[i], group)
	}

	return packetConn, nil
}

func udpNetwork(useIPV6 bool) string {
	if useIPV6 {
		return "udp6"
	}
	return "udp4"
}
