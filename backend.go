package e1000

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/config"
	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/irq"
	"github.com/slackhq/e1000/regs"
	"github.com/slackhq/e1000/sim"
	"github.com/slackhq/e1000/util"
	"github.com/slackhq/e1000/vfio"
)

const defaultSysfsRoot = "/sys/bus/pci/devices"

// backend is the bus side of one controller: its registers, its interrupt line and where DMA memory comes from.
type backend struct {
	regs *regs.Regs
	line *irq.Line
	dma  dma.Allocator

	// bus holds the VFIO device and its DMA domain, closed after the device was removed.
	bus io.Closer
	// sim is only set for simulated controllers.
	sim *sim.Device
}

// close releases what the device did not take ownership of. Only needed when NewDevice never ran or failed.
func (b *backend) close() error {
	return errors.Join(b.line.Close(), b.regs.Close(), b.closeBus())
}

func (b *backend) closeBus() error {
	if b.bus == nil {
		return nil
	}
	return b.bus.Close()
}

// checkBackend validates the backend config without touching the system.
func checkBackend(c *config.C) (string, error) {
	switch t := c.GetString("device.backend", "sim"); t {
	case "sim":
		return t, nil
	case "vfio":
		if c.GetString("device.pci", "") == "" {
			return t, errors.New("device.pci must be set for the vfio backend")
		}
		return t, nil
	default:
		return t, fmt.Errorf("device.backend was not understood: %s", t)
	}
}

// openBackend opens the controller. slots bounds the buffers the rings may have mapped at once.
func openBackend(l *logrus.Logger, c *config.C, name string, slots int) (*backend, error) {
	t, err := checkBackend(c)
	if err != nil {
		return nil, err
	}
	if t == "vfio" {
		return openVFIOBackend(l, c, name, slots)
	}
	return openSimBackend(l, c, name)
}

func openSimBackend(l *logrus.Logger, c *config.C, name string) (*backend, error) {
	iommu := dma.NewIOMMU()

	src, err := irq.NewEventSource()
	if err != nil {
		return nil, fmt.Errorf("create interrupt wire: %w", err)
	}

	var opts []sim.Option
	if d := c.GetDuration("sim.done_delay", 0); d > 0 {
		opts = append(opts, sim.WithDoneDelay(d))
	}

	dev := sim.New(l, iommu, src, opts...)
	l.WithField("device", name).Info("Using a simulated controller")

	return &backend{
		regs: regs.New(l, dev, dev),
		line: irq.NewLine(l, name, src),
		dma:  iommu,
		sim:  dev,
	}, nil
}

// vfioBus owns the VFIO device and the memory pinned in its IOMMU domain.
type vfioBus struct {
	dev    *vfio.Device
	pinned *dma.Pinned
}

func (b *vfioBus) Close() error {
	var errs []error
	if b.pinned != nil {
		errs = append(errs, b.pinned.Close())
	}
	return errors.Join(append(errs, b.dev.Close())...)
}

// openVFIOBackend takes a controller bound to vfio-pci. Registers are reached through the sysfs resource files of the
// function, DMA memory is pinned and mapped in its IOMMU domain and the legacy interrupt arrives on an eventfd.
func openVFIOBackend(l *logrus.Logger, c *config.C, name string, slots int) (_ *backend, err error) {
	pci := c.GetString("device.pci", "")
	sysRoot := c.GetString("device.sysfs", defaultSysfsRoot)
	dir := filepath.Join(sysRoot, pci)

	groupPath := c.GetString("device.vfio_group", "")
	if groupPath == "" {
		groupPath, err = vfio.GroupPath(sysRoot, pci)
		if err != nil {
			return nil, util.NewContextualError("Failed to find the iommu group", m{"pci": pci}, err)
		}
	}

	vdev, err := vfio.Open(groupPath, pci)
	if err != nil {
		return nil, util.NewContextualError("Failed to open vfio device", m{"pci": pci, "group": groupPath}, err)
	}
	bus := &vfioBus{dev: vdev}

	var (
		win  *regs.Window
		port *regs.PortFile
	)
	defer func() {
		if err == nil {
			return
		}
		if win != nil {
			_ = win.Close()
		}
		if port != nil {
			_ = port.Close()
		}
		_ = bus.Close()
	}()

	if err := vdev.EnableBusMaster(); err != nil {
		return nil, util.NewContextualError("Failed to enable bus mastering", m{"pci": pci}, err)
	}

	mmioPath := c.GetString("device.mmio", filepath.Join(dir, "resource0"))
	win, err = regs.MapResource(mmioPath)
	if err != nil {
		return nil, util.NewContextualError("Failed to map register window", m{"path": mmioPath}, err)
	}

	ioPath := c.GetString("device.ioport", "")
	if ioPath == "" {
		ioPath, err = regs.FindIOResource(dir)
		if err != nil {
			return nil, util.NewContextualError("Failed to find the I/O port window", m{"pci": pci}, err)
		}
	}
	port, err = regs.OpenPortResource(ioPath)
	if err != nil {
		return nil, util.NewContextualError("Failed to open I/O port window", m{"path": ioPath}, err)
	}

	bus.pinned, err = dma.NewPinned(vdev, slots, hw.BufferSize)
	if err != nil {
		return nil, util.NewContextualError("Failed to map dma memory", m{"pci": pci, "slots": slots}, err)
	}

	src, err := irq.NewVFIOSource(vdev)
	if err != nil {
		return nil, util.NewContextualError("Failed to route the interrupt", m{"pci": pci}, err)
	}

	l.WithField("device", name).
		WithField("pci", pci).
		WithField("group", groupPath).
		WithField("mmio", mmioPath).
		WithField("ioport", ioPath).
		WithField("size", win.Len()).
		Info("Mapped controller")

	return &backend{
		regs: regs.New(l, win, port),
		line: irq.NewLine(l, name, src),
		dma:  bus.pinned,
		bus:  bus,
	}, nil
}

// peerMAC derives the loopback peer's station address from ours.
func peerMAC(mac net.HardwareAddr) net.HardwareAddr {
	p := append(net.HardwareAddr(nil), mac...)
	p[len(p)-1]++
	return p
}
