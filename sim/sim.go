// Package sim is a behavioural model of an 82540EM controller. It answers
// register accesses like the real device, walks the descriptor rings through
// an IOMMU and raises interrupts on an eventfd wire. It also checks that the
// driver never touches a descriptor while the device owns it.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/hw"
)

// Memory is the device's view of host memory.
type Memory interface {
	Resolve(addr dma.Addr, n int, want dma.Direction) ([]byte, error)
}

// Interrupter is the interrupt wire towards the driver.
type Interrupter interface {
	Raise() error
}

// Wire carries frames the device transmitted.
type Wire func(frame []byte)

// Stats counts what the device did.
type Stats struct {
	TxPackets  uint64
	TxBytes    uint64
	TxFaults   uint64
	RxPackets  uint64
	RxBytes    uint64
	RxMissed   uint64
	RxFaults   uint64
	Interrupts uint64
	Resets     uint64
}

type optionValues struct {
	doneDelay time.Duration
	manualTx  bool
	link      bool
	wire      Wire
}

var optionDefaults = optionValues{
	link: true,
}

// Option can be passed to [New].
type Option func(*optionValues)

// WithDoneDelay makes the device complete transmit descriptors only after d
// has passed since the tail was moved.
func WithDoneDelay(d time.Duration) Option {
	return func(o *optionValues) { o.doneDelay = d }
}

// WithManualTx makes the device complete transmit descriptors only when
// told to with [Device.CompleteTx].
func WithManualTx() Option {
	return func(o *optionValues) { o.manualTx = true }
}

// WithLink sets the initial link state.
func WithLink(up bool) Option {
	return func(o *optionValues) { o.link = up }
}

// WithWire sets where transmitted frames go.
func WithWire(w Wire) Option {
	return func(o *optionValues) { o.wire = w }
}

// Device is one simulated controller. It implements regs.MMIO and
// regs.IOPort.
type Device struct {
	l   *logrus.Logger
	mem Memory
	irq Interrupter

	// txMu orders transmit processing and frame emission.
	txMu sync.Mutex

	mu         sync.Mutex
	opts       optionValues
	regs       map[uint32]uint32
	icr        uint32
	ims        uint32
	ioAddr     uint32
	link       bool
	txOwned    map[uint32]hw.TxDesc
	rxOwned    map[uint32]uint64
	txCredits  int
	kickArmed  bool
	closed     bool
	stats      Stats
	violations []string
}

func New(l *logrus.Logger, mem Memory, irq Interrupter, options ...Option) *Device {
	opts := optionDefaults
	for _, o := range options {
		o(&opts)
	}

	d := &Device{
		l:    l,
		mem:  mem,
		irq:  irq,
		opts: opts,
		link: opts.link,
	}
	d.resetLocked()
	d.stats.Resets = 0
	return d
}

// Connect wires two devices back to back.
func Connect(a, b *Device) {
	a.SetWire(func(f []byte) { b.Inject(f) })
	b.SetWire(func(f []byte) { a.Inject(f) })
}

func (d *Device) SetWire(w Wire) {
	d.txMu.Lock()
	d.opts.wire = w
	d.txMu.Unlock()
}

// SetLink changes the link state and signals a link status change.
func (d *Device) SetLink(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == up {
		return
	}
	d.link = up
	d.causeLocked(hw.ICR_LSC)
}

// Stats returns a copy of the device counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Violations returns every ownership or DMA rule the driver broke.
func (d *Device) Violations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.violations...)
}

// Close stops delayed processing.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *Device) violation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	d.violations = append(d.violations, msg)
	d.l.WithField("device", "sim").Error(msg)
}

// resetLocked puts every register back to its power on value.
func (d *Device) resetLocked() {
	d.regs = map[uint32]uint32{
		hw.CTRL: hw.CTRL_FD | hw.CTRL_SLU,
		hw.MANC: hw.MANC_ARP_EN,
	}
	d.icr = 0
	d.ims = 0
	d.txOwned = make(map[uint32]hw.TxDesc)
	d.rxOwned = make(map[uint32]uint64)
	d.txCredits = 0
	d.stats.Resets++
}

// causeLocked latches interrupt causes and raises the line when any of them
// is unmasked.
func (d *Device) causeLocked(c uint32) {
	d.icr |= c
	d.raiseLocked()
}

func (d *Device) raiseLocked() {
	if d.icr&d.ims == 0 || d.irq == nil {
		return
	}
	d.stats.Interrupts++
	if err := d.irq.Raise(); err != nil {
		d.l.WithError(err).WithField("device", "sim").Warn("Failed to raise interrupt")
	}
}

func (d *Device) ringSize(lenReg uint32) uint32 {
	return d.regs[lenReg] / hw.DescriptorSize
}

func ringBase(regs map[uint32]uint32, lo, hi uint32) dma.Addr {
	return dma.Addr(regs[hi])<<32 | dma.Addr(regs[lo])
}
