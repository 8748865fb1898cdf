// Package netstack puts a gVisor network stack on top of the driver. Frames
// the driver receives are injected into an ethernet link endpoint, frames the
// stack sends are pumped into the driver's transmit path.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/packet"
	"github.com/slackhq/e1000/ring"
	"github.com/slackhq/e1000/util"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const nicID = 1

// Transmitter is the driver side of the stack.
type Transmitter interface {
	Transmit(buf *packet.Buffer) error
}

// Config describes the interface the stack owns.
type Config struct {
	Address netip.Prefix
	MAC     net.HardwareAddr
	// MTU of the IP layer, the ethernet header comes on top.
	MTU uint32
	// QueueSize bounds the frames waiting for the driver.
	QueueSize int
	Registry  metrics.Registry
}

func (c *Config) setDefaults() {
	if c.MTU == 0 {
		c.MTU = header.EthernetMaximumSize - header.EthernetMinimumSize - 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 512
	}
	if c.Registry == nil {
		c.Registry = metrics.DefaultRegistry
	}
}

// Stack implements the driver's stack boundary on gVisor.
type Stack struct {
	l       *logrus.Logger
	cfg     Config
	ipstack *stack.Stack
	linkEP  *channel.Endpoint

	carrier atomic.Bool
	started chan struct{}

	eg     *errgroup.Group
	cancel context.CancelFunc

	rxFrames  metrics.Counter
	txFrames  metrics.Counter
	txWaits   metrics.Counter
	txDropped metrics.Counter
	txDone    metrics.Counter

	mu struct {
		sync.Mutex

		listeners map[uint16]*tcpListener
	}
}

func New(l *logrus.Logger, cfg Config) (*Stack, error) {
	cfg.setDefaults()
	if !cfg.Address.IsValid() || !cfg.Address.Addr().Is4() {
		return nil, fmt.Errorf("an IPv4 address is required, got %v", cfg.Address)
	}
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("invalid MAC address %q", cfg.MAC)
	}

	s := &Stack{
		l:         l,
		cfg:       cfg,
		started:   make(chan struct{}, 1),
		rxFrames:  metrics.GetOrRegisterCounter("netstack.rx.frames", cfg.Registry),
		txFrames:  metrics.GetOrRegisterCounter("netstack.tx.frames", cfg.Registry),
		txWaits:   metrics.GetOrRegisterCounter("netstack.tx.waits", cfg.Registry),
		txDropped: metrics.GetOrRegisterCounter("netstack.tx.dropped", cfg.Registry),
		txDone:    metrics.GetOrRegisterCounter("netstack.tx.completed", cfg.Registry),
	}
	s.mu.listeners = map[uint16]*tcpListener{}

	s.ipstack = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	sackEnabledOpt := tcpip.TCPSACKEnabled(true) // TCP SACK is disabled by default
	if tcpipErr := s.ipstack.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabledOpt); tcpipErr != nil {
		return nil, fmt.Errorf("could not enable TCP SACK: %v", tcpipErr)
	}

	s.linkEP = channel.New(cfg.QueueSize, cfg.MTU+header.EthernetMinimumSize, tcpip.LinkAddress(cfg.MAC))
	if tcpipProblem := s.ipstack.CreateNIC(nicID, ethernet.New(s.linkEP)); tcpipProblem != nil {
		return nil, fmt.Errorf("could not create netstack NIC: %v", tcpipProblem)
	}

	ipv4Subnet, _ := tcpip.NewSubnet(tcpip.AddrFrom4([4]byte{}), tcpip.MaskFrom(strings.Repeat("\x00", 4)))
	s.ipstack.SetRouteTable([]tcpip.Route{
		{
			Destination: ipv4Subnet,
			NIC:         nicID,
		},
	})

	pa := tcpip.ProtocolAddress{
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFromSlice(cfg.Address.Addr().AsSlice()),
			PrefixLen: cfg.Address.Bits(),
		},
		Protocol: ipv4.ProtocolNumber,
	}
	if err := s.ipstack.AddProtocolAddress(nicID, pa, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("error creating IP: %s", err)
	}

	const tcpReceiveBufferSize = 0
	const maxInFlightConnectionAttempts = 1024
	tcpFwd := tcp.NewForwarder(s.ipstack, tcpReceiveBufferSize, maxInFlightConnectionAttempts, s.tcpHandler)
	s.ipstack.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	return s, nil
}

// Start begins pumping outbound frames into tx until ctx is done or Close
// is called.
func (s *Stack) Start(ctx context.Context, tx Transmitter) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.eg, ctx = errgroup.WithContext(ctx)

	s.eg.Go(func() error {
		defer s.linkEP.Close()
		for {
			pkt := s.linkEP.ReadContext(ctx)
			if pkt == nil {
				if err := ctx.Err(); err != nil {
					return err
				}
				continue
			}

			view := pkt.ToView()
			frame := append([]byte(nil), view.AsSlice()...)
			view.Release()
			pkt.DecRef()

			if err := s.transmit(ctx, tx, frame); err != nil {
				return err
			}
		}
	})
}

// transmit hands one frame to the driver, waiting for the queue to restart
// while the ring is full. Frames the driver refuses for other reasons are
// dropped.
func (s *Stack) transmit(ctx context.Context, tx Transmitter, frame []byte) error {
	if !s.carrier.Load() {
		s.txDropped.Inc(1)
		return nil
	}

	for {
		err := tx.Transmit(packet.FromBytes(frame))
		switch {
		case err == nil:
			s.txFrames.Inc(1)
			return nil

		case errors.Is(err, ring.ErrBusy):
			s.txWaits.Inc(1)
			select {
			case <-s.started:
			case <-ctx.Done():
				return ctx.Err()
			}

		default:
			s.txDropped.Inc(1)
			s.l.WithError(err).WithField("length", len(frame)).Debug("Dropped outbound frame")
			return nil
		}
	}
}

// Receive injects a frame from the wire into the stack.
func (s *Stack) Receive(buf *packet.Buffer) {
	proto := tcpip.NetworkProtocolNumber(buf.Protocol)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(buf.Bytes()),
	})
	buf.Free()

	s.rxFrames.Inc(1)
	s.linkEP.InjectInbound(proto, pkt)
	pkt.DecRef()
}

func (s *Stack) CarrierOn() {
	if !s.carrier.Swap(true) {
		s.l.WithField("mac", s.cfg.MAC).Debug("Carrier on")
	}
}

func (s *Stack) CarrierOff() {
	if s.carrier.Swap(false) {
		s.l.WithField("mac", s.cfg.MAC).Debug("Carrier off")
	}
}

// Carrier reports the last carrier state the driver signalled.
func (s *Stack) Carrier() bool {
	return s.carrier.Load()
}

// StartQueue wakes a pump waiting for transmit ring space.
func (s *Stack) StartQueue() {
	select {
	case s.started <- struct{}{}:
	default:
	}
}

// StopQueue needs no action, the pump learns about a full ring from the
// transmit error and waits for StartQueue.
func (s *Stack) StopQueue() {}

func (s *Stack) TxCompleted(packets, _ int) {
	s.txDone.Inc(int64(packets))
}

// Address returns the interface address.
func (s *Stack) Address() netip.Prefix {
	return s.cfg.Address
}

func (s *Stack) Wait() error {
	var err error
	if s.eg != nil {
		err = s.eg.Wait()
	}

	s.ipstack.Destroy()

	return err
}

func (s *Stack) Close() error {
	if s.cancel != nil {
		s.cancel()
	} else {
		s.linkEP.Close()
	}
	return nil
}

func (s *Stack) CloseAndWait() error {
	s.Close()
	if err := s.Wait(); err != nil {
		if errors.Is(err, os.ErrClosed) ||
			errors.Is(err, io.EOF) ||
			errors.Is(err, context.Canceled) {
			s.l.Debugf("Stop of netstack returned: %v", err)
			return nil
		}
		util.LogWithContextIfNeeded("Unclean stop", err, s.l)
		return err
	}

	return nil
}
