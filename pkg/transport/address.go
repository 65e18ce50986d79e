package transport

import (
	"fmt"
	"net"
	"net/netip"
)

// Network identifies the socket family a peer was seen on.
type Network int

const (
	// NetworkUnknown is the zero value.
	NetworkUnknown Network = iota
	// NetworkUDP is a datagram peer (handshake).
	NetworkUDP
	// NetworkTCP is a stream peer (bulk transfer).
	NetworkTCP
)

// String returns the Go network name.
func (n Network) String() string {
	switch n {
	case NetworkUDP:
		return "udp"
	case NetworkTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// IsValid returns true for UDP and TCP.
func (n Network) IsValid() bool {
	return n == NetworkUDP || n == NetworkTCP
}

// PeerAddress identifies a remote peer.
type PeerAddress struct {
	Addr    net.Addr
	Network Network
}

// String returns "<network>:<addr>".
func (p PeerAddress) String() string {
	if p.Addr == nil {
		return fmt.Sprintf("%s:<nil>", p.Network)
	}
	return fmt.Sprintf("%s:%s", p.Network, p.Addr)
}

// IsValid returns true if the peer has a known network and an address.
func (p PeerAddress) IsValid() bool {
	return p.Network.IsValid() && p.Addr != nil
}

// IP returns the peer's IP address. Addresses that carry no IP, such as pipe
// endpoints, yield an invalid netip.Addr.
func (p PeerAddress) IP() netip.Addr {
	return AddrIP(p.Addr)
}

// NewUDPPeerAddress wraps a datagram source address.
func NewUDPPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr, Network: NetworkUDP}
}

// NewTCPPeerAddress wraps a stream remote address.
func NewTCPPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr, Network: NetworkTCP}
}

// AddrIP extracts the IP of addr.
func AddrIP(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	case *net.TCPAddr:
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	case nil:
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// StreamAddr returns the TCP address of port on the host that sent from.
func StreamAddr(from net.Addr, port uint16) (*net.TCPAddr, error) {
	ip := AddrIP(from)
	if !ip.IsValid() {
		return nil, fmt.Errorf("%w: %v has no IP", ErrInvalidAddress, from)
	}
	return net.TCPAddrFromAddrPort(netip.AddrPortFrom(ip, port)), nil
}
