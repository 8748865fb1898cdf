package netstack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

func fullAddress(ip net.IP, port int) tcpip.FullAddress {
	a := tcpip.FullAddress{NIC: nicID, Port: uint16(port)}
	if ip4 := ip.To4(); ip4 != nil && !ip4.IsUnspecified() {
		a.Addr = tcpip.AddrFromSlice(ip4)
	}
	return a
}

// DialContext dials the provided address.
func (s *Stack) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "udp", "udp4":
		return s.DialUDP(address)
	case "tcp", "tcp4":
		addr, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return nil, err
		}
		return gonet.DialContextTCP(ctx, s.ipstack, fullAddress(addr.IP, addr.Port), ipv4.ProtocolNumber)
	default:
		return nil, fmt.Errorf("unknown network type: %s", network)
	}
}

func (s *Stack) DialUDP(address string) (*gonet.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}

	fullAddr := fullAddress(addr.IP, addr.Port)
	return gonet.DialUDP(s.ipstack, nil, &fullAddr, ipv4.ProtocolNumber)
}

func (s *Stack) ListenUDP(address string) (*gonet.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}

	local := fullAddress(addr.IP, addr.Port)
	return gonet.DialUDP(s.ipstack, &local, nil, ipv4.ProtocolNumber)
}

// Listen listens on the provided address. Only TCP with wildcard addresses
// is supported.
func (s *Stack) Listen(network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, errors.New("only tcp is supported")
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, err
	}
	if addr.IP != nil && !addr.IP.IsUnspecified() {
		return nil, fmt.Errorf("only wildcard address supported, got %q %v", address, addr.IP)
	}
	if addr.Port == 0 {
		return nil, errors.New("specific port required, got 0")
	}
	if addr.Port < 0 || addr.Port >= math.MaxUint16 {
		return nil, fmt.Errorf("invalid port %d", addr.Port)
	}
	port := uint16(addr.Port)

	l := &tcpListener{
		port:   port,
		s:      s,
		addr:   addr,
		accept: make(chan net.Conn),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mu.listeners[port]; ok {
		return nil, fmt.Errorf("already listening on port %d", port)
	}
	s.mu.listeners[port] = l

	return l, nil
}

func (s *Stack) tcpHandler(r *tcp.ForwarderRequest) {
	endpointID := r.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.mu.listeners[endpointID.LocalPort]
	if !ok {
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		s.l.WithField("error", err).WithField("port", endpointID.LocalPort).Warn("Failed to create TCP endpoint")
		r.Complete(true)
		return
	}
	r.Complete(false)
	ep.SocketOptions().SetKeepAlive(true)

	conn := gonet.NewTCPConn(&wq, ep)
	select {
	case l.accept <- conn:
	default:
		// Nobody is accepting.
		conn.Close()
	}
}
