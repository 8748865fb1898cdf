package e1000

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/capture"
	"github.com/slackhq/e1000/config"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/netstack"
	"github.com/slackhq/e1000/packet"
	"github.com/slackhq/e1000/sim"
	"github.com/slackhq/e1000/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

var (
	defaultAddress     = netip.MustParsePrefix("10.0.0.1/24")
	defaultPeerAddress = netip.MustParsePrefix("10.0.0.2/24")
)

const defaultEchoPort = 7

// Main probes the controller described by c and builds the stack on top of it. Nothing sends or receives until
// Control.Start. With configTest set only the config is checked and the returned Control can not be started.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger) (*Control, error) {
	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	name := c.GetString("device.name", optionDefaults.name)
	opts, mac, err := deviceOptionsFromConfig(c, name)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Invalid device configuration", err)
	}

	nsCfg, err := netstackConfigFromConfig(c, "netstack.address", defaultAddress, mac)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Invalid netstack configuration", err)
	}

	backendType, err := checkBackend(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Invalid device configuration", err)
	}

	peerMode := c.GetString("sim.peer", "none")
	switch peerMode {
	case "none":
	case "loopback":
		if backendType != "sim" {
			return nil, util.NewContextualError("sim.peer loopback requires device.backend sim", m{"backend": backendType}, nil)
		}
	default:
		return nil, util.NewContextualError("sim.peer was not understood", m{"peer": peerMode}, nil)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return &Control{l: l, c: c}, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non system modifying configuration consumption should live above this line
	// anything touching the controller should be below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	ctrl := &Control{
		l:          l,
		c:          c,
		statsStart: statsStart,
		echoPort:   c.GetInt("sim.peer_echo_port", defaultEchoPort),
	}

	if p := c.GetString("capture.path", ""); p != "" {
		ctrl.capture, err = capture.Open(p, c.GetUint32("capture.snaplen", capture.DefaultSnapLen))
		if err != nil {
			return nil, util.NewContextualError("Failed to open capture file", m{"path": p}, err)
		}
		opts = append(opts, WithCapture(ctrl.capture))
		l.WithField("path", p).Info("Capturing frames")
	}

	ctrl.local, err = newEndpoint(l, c, name, opts, nsCfg)
	if err != nil {
		ctrl.close()
		return nil, err
	}

	if peerMode == "loopback" {
		pMAC := peerMAC(mac)
		peerCfg, err := netstackConfigFromConfig(c, "sim.peer_address", defaultPeerAddress, pMAC)
		if err != nil {
			ctrl.close()
			return nil, util.ContextualizeIfNeeded("Invalid peer configuration", err)
		}

		reg := metrics.NewPrefixedChildRegistry(metrics.DefaultRegistry, "peer.")
		peerCfg.Registry = reg
		peerOpts := append(opts[:len(opts):len(opts)], WithName(name+"-peer"), WithMAC(pMAC), WithMetricsRegistry(reg), WithCapture(nil))

		ctrl.peer, err = newEndpoint(l, c, name+"-peer", peerOpts, peerCfg)
		if err != nil {
			ctrl.close()
			return nil, err
		}

		sim.Connect(ctrl.local.backend.sim, ctrl.peer.backend.sim)
		l.WithField("address", peerCfg.Address).WithField("mac", pMAC).Info("Loopback peer wired")
	}

	return ctrl, nil
}

func deviceOptionsFromConfig(c *config.C, name string) ([]Option, net.HardwareAddr, error) {
	mac, err := c.GetHardwareAddr("device.mac", hw.DefaultMAC)
	if err != nil {
		return nil, nil, err
	}

	rxSize := c.GetInt("rings.rx_size", optionDefaults.rxSize)
	opts := []Option{
		WithName(name),
		WithMAC(mac),
		WithRingSizes(c.GetInt("rings.tx_size", optionDefaults.txSize), rxSize),
		WithWeight(c.GetInt("napi.weight", optionDefaults.weight)),
	}

	// NewDevice would catch these too, but only after touching the controller
	v := optionDefaults
	v.apply(opts)
	if err := v.validate(); err != nil {
		return nil, nil, err
	}

	if b := c.GetInt("rings.buffers", 0); b != 0 && b < rxSize {
		return nil, nil, fmt.Errorf("rings.buffers must be at least rings.rx_size (%d), got %d", rxSize, b)
	}

	return opts, mac, nil
}

func netstackConfigFromConfig(c *config.C, key string, d netip.Prefix, mac net.HardwareAddr) (netstack.Config, error) {
	addr, err := c.GetPrefix(key, d)
	if err != nil {
		return netstack.Config{}, err
	}
	if !addr.Addr().Is4() {
		return netstack.Config{}, fmt.Errorf("%s must be an IPv4 prefix, got %v", key, addr)
	}

	return netstack.Config{
		Address: addr,
		MAC:     mac,
		MTU:     c.GetUint32("netstack.mtu", 0),
	}, nil
}

// endpoint is one controller with the stack on top of it.
type endpoint struct {
	backend *backend
	pool    *packet.Pool
	stack   *netstack.Stack
	dev     *Device
}

func newEndpoint(l *logrus.Logger, c *config.C, name string, opts []Option, nsCfg netstack.Config) (*endpoint, error) {
	v := optionDefaults
	v.apply(opts)

	b, err := openBackend(l, c, name, v.rxSize+v.txSize)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to open the controller", err)
	}

	buffers := c.GetInt("rings.buffers", 0)
	if buffers == 0 {
		buffers = 2 * v.rxSize
	}

	pool, err := packet.NewPool(buffers, hw.BufferSize)
	if err != nil {
		_ = b.close()
		return nil, util.NewContextualError("Failed to allocate receive buffers", m{"buffers": buffers}, err)
	}

	ns, err := netstack.New(l, nsCfg)
	if err != nil {
		_ = b.close()
		_ = pool.Close()
		return nil, util.NewContextualError("Failed to create netstack", m{"address": nsCfg.Address}, err)
	}

	dev, err := NewDevice(l, Resources{
		Regs:  b.regs,
		IRQ:   b.line,
		DMA:   b.dma,
		Pool:  pool,
		Stack: ns,
	}, opts...)
	if err != nil {
		_ = b.close()
		_ = pool.Close()
		_ = ns.CloseAndWait()
		return nil, util.NewContextualError("Failed to probe the controller", m{"device": name}, err)
	}

	return &endpoint{backend: b, pool: pool, stack: ns, dev: dev}, nil
}

// close tears the endpoint down in reverse order of construction.
func (e *endpoint) close() error {
	var errs []error
	if err := e.dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop device: %w", err))
	}
	if err := e.stack.CloseAndWait(); err != nil {
		errs = append(errs, fmt.Errorf("close netstack: %w", err))
	}
	if err := e.dev.Remove(); err != nil {
		errs = append(errs, fmt.Errorf("remove device: %w", err))
	}
	if err := e.backend.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close interrupt line: %w", err))
	}
	if err := e.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release buffers: %w", err))
	}
	if err := e.backend.closeBus(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	return errors.Join(errs...)
}
