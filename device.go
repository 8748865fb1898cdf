// Package e1000 is a userspace driver core for the Intel 8254x family. It
// owns the controller registers and both descriptor rings, turns interrupts
// into budgeted poll passes and exchanges frames with a network stack.
package e1000

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/capture"
	"github.com/slackhq/e1000/dma"
	"github.com/slackhq/e1000/irq"
	"github.com/slackhq/e1000/packet"
	"github.com/slackhq/e1000/regs"
	"github.com/slackhq/e1000/ring"
)

var (
	// ErrNotUp is returned by Transmit while the device is down.
	ErrNotUp = errors.New("device is not up")

	// ErrAlreadyUp is returned by Open on a device that is up.
	ErrAlreadyUp = errors.New("device is already up")

	// ErrRemoved is returned by every call after Remove.
	ErrRemoved = errors.New("device was removed")

	// ErrBusy means the transmit ring is full. The frame was not queued and
	// the stack was asked to stop its queue until room frees up.
	ErrBusy = ring.ErrBusy

	// ErrPacketTooLarge means the frame can never be sent and was dropped.
	ErrPacketTooLarge = ring.ErrPacketTooLarge
)

// Stack is the network stack the device hands frames to and takes flow
// control hints from.
type Stack interface {
	// Receive takes ownership of buf and must Free it when done. Protocol is
	// set to the EtherType of the frame.
	Receive(buf *packet.Buffer)
	CarrierOn()
	CarrierOff()
	// StartQueue tells the stack the transmit ring has room again.
	StartQueue()
	// StopQueue tells the stack to hold frames back.
	StopQueue()
	// TxCompleted reports frames the device finished sending.
	TxCompleted(packets, bytes int)
}

// Resources are what the bus gives a device.
type Resources struct {
	Regs  *regs.Regs
	IRQ   *irq.Line
	DMA   dma.Allocator
	Pool  *packet.Pool
	Stack Stack
}

func (r Resources) validate() error {
	switch {
	case r.Regs == nil:
		return errors.New("register interface is required")
	case r.IRQ == nil:
		return errors.New("interrupt line is required")
	case r.DMA == nil:
		return errors.New("dma allocator is required")
	case r.Pool == nil:
		return errors.New("buffer pool is required")
	case r.Stack == nil:
		return errors.New("network stack is required")
	}
	return nil
}

// State of the device lifecycle.
type State int32

const (
	Down State = iota
	Up
	Removing
)

func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Up:
		return "up"
	case Removing:
		return "removing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Device is one probed controller.
type Device struct {
	l    *logrus.Entry
	opts optionValues
	regs *regs.Regs
	res  Resources

	// opMu serializes Open, Stop and Remove.
	opMu sync.Mutex

	// mu guards state and the ring pointers against teardown while
	// Transmit uses them.
	mu    sync.RWMutex
	state State
	tx    *ring.Tx
	rx    *ring.Rx

	irqReg *irq.Registration
	napi   atomic.Pointer[napi]

	linkChanged  atomic.Bool
	queueStopped atomic.Bool

	// Ring counters already folded into the metrics. Only touched by the
	// poll loop and Open.
	lastDropped uint64
	lastErrors  uint64

	m *deviceMetrics
}

// NewDevice probes the controller: it resets it, programs the station
// address and leaves it down with the carrier off.
func NewDevice(l *logrus.Logger, res Resources, options ...Option) (*Device, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err := res.validate(); err != nil {
		return nil, err
	}
	if opts.registry == nil {
		opts.registry = metrics.DefaultRegistry
	}

	d := &Device{
		l:    l.WithField("device", opts.name),
		opts: opts,
		regs: res.Regs,
		res:  res,
		m:    newDeviceMetrics(opts.registry),
	}

	if err := d.regs.ResetHW(); err != nil {
		return nil, fmt.Errorf("reset controller: %w", err)
	}
	if err := d.regs.SetMAC(opts.mac); err != nil {
		return nil, fmt.Errorf("program station address: %w", err)
	}
	d.res.Stack.CarrierOff()

	d.l.WithField("mac", opts.mac).Info("Device probed")
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.opts.name
}

// State returns the lifecycle state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Open allocates both rings, programs the controller and starts taking
// interrupts. On failure everything done so far is undone and the device
// stays down.
func (d *Device) Open() (err error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	switch d.State() {
	case Up:
		return ErrAlreadyUp
	case Removing:
		return ErrRemoved
	}

	d.res.Stack.CarrierOff()

	tx, err := ring.NewTx(d.res.DMA, d.regs.TxQueue(), d.opts.txSize)
	if err != nil {
		return fmt.Errorf("allocate transmit ring: %w", err)
	}
	defer func() {
		if err != nil {
			if cerr := tx.Close(freeBuffer); cerr != nil {
				d.l.WithError(cerr).Warn("Failed to release transmit ring")
			}
		}
	}()

	rx, err := ring.NewRx(d.res.DMA, d.res.Pool, d.regs.RxQueue(), d.opts.rxSize)
	if err != nil {
		return fmt.Errorf("allocate receive ring: %w", err)
	}
	defer func() {
		if err != nil {
			if cerr := rx.Close(); cerr != nil {
				d.l.WithError(cerr).Warn("Failed to release receive ring")
			}
		}
	}()

	rxBase, rxSize := rx.Info()
	txBase, txSize := tx.Info()
	err = d.regs.Configure(regs.Config{
		MAC: d.opts.mac,
		Rx:  regs.RingInfo{Base: rxBase, Size: rxSize},
		Tx:  regs.RingInfo{Base: txBase, Size: txSize},
	})
	if err != nil {
		_ = d.regs.Quiesce()
		return fmt.Errorf("configure controller: %w", err)
	}

	d.mu.Lock()
	d.tx, d.rx = tx, rx
	d.mu.Unlock()
	d.lastDropped, d.lastErrors = 0, 0

	reg, err := d.res.IRQ.Register(d.opts.name, d.HandleIRQ, irq.Shared)
	if err != nil {
		_ = d.regs.Quiesce()
		d.mu.Lock()
		d.tx, d.rx = nil, nil
		d.mu.Unlock()
		return fmt.Errorf("request interrupt: %w", err)
	}
	d.irqReg = reg

	n := newNapi(d.l, d.poll, d.opts.weight, d.m.pollRuns)
	d.napi.Store(n)
	n.enable()
	// Interrupts taken before the poll loop existed were acknowledged
	// without scheduling it.
	n.schedule()

	d.queueStopped.Store(false)
	d.res.Stack.StartQueue()
	if d.regs.LinkUp() {
		d.res.Stack.CarrierOn()
	}

	d.setState(Up)
	d.l.WithField("txRing", txSize).WithField("rxRing", rxSize).Info("Device up")
	return nil
}

// Stop tears the device down: interrupts are masked, the top half and the
// poll loop are drained and only then is ring memory released. Stop on a
// device that is not up does nothing.
func (d *Device) Stop() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.stop()
}

func (d *Device) stop() error {
	if d.State() != Up {
		return nil
	}
	// Waits for any Transmit in flight.
	d.setState(Down)

	d.res.Stack.StopQueue()
	d.res.Stack.CarrierOff()

	var errs []error
	if err := d.regs.Quiesce(); err != nil {
		errs = append(errs, fmt.Errorf("quiesce controller: %w", err))
	}

	d.irqReg.Free()
	d.irqReg = nil

	if n := d.napi.Swap(nil); n != nil {
		n.disable()
	}

	d.mu.Lock()
	tx, rx := d.tx, d.rx
	d.tx, d.rx = nil, nil
	d.mu.Unlock()

	if err := tx.Close(freeBuffer); err != nil {
		errs = append(errs, fmt.Errorf("release transmit ring: %w", err))
	}
	if err := rx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release receive ring: %w", err))
	}

	d.l.Info("Device stopped")
	return errors.Join(errs...)
}

// Remove stops the device and gives up its register regions. Every later
// call fails with ErrRemoved.
func (d *Device) Remove() error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.State() == Removing {
		return ErrRemoved
	}

	err := d.stop()
	d.setState(Removing)
	if cerr := d.regs.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("release register regions: %w", cerr))
	}

	d.l.Info("Device removed")
	return err
}

// Transmit queues one frame. It never waits for ring space: ErrBusy means
// the frame was not taken and the stack queue was stopped, ErrPacketTooLarge
// means it was dropped. On success the ring owns buf until TxCompleted
// reports it.
func (d *Device) Transmit(buf *packet.Buffer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch d.state {
	case Up:
	case Removing:
		return ErrRemoved
	default:
		return ErrNotUp
	}

	var frame []byte
	if d.opts.capture != nil {
		// buf may be completed and back in its pool before Transmit returns.
		frame = append(frame, buf.Bytes()...)
	}

	n := buf.Len()
	err := d.tx.Transmit(buf)
	switch {
	case err == nil:
		d.m.txPackets.Inc(1)
		d.m.txBytes.Inc(int64(n))
		d.tap(capture.Tx, frame)

	case errors.Is(err, ErrBusy):
		d.m.txBusy.Inc(1)
		// Stop before flagging so the poll loop's restart always comes last.
		d.res.Stack.StopQueue()
		d.queueStopped.Store(true)
		if p := d.napi.Load(); p != nil {
			p.schedule()
		}

	case errors.Is(err, ErrPacketTooLarge):
		d.m.txDropped.Inc(1)
		d.l.WithField("length", n).Debug("Dropped oversized frame")
	}
	return err
}

func (d *Device) tap(dir capture.Direction, frame []byte) {
	if d.opts.capture == nil {
		return
	}
	if err := d.opts.capture.Tap(dir, frame); err != nil {
		d.l.WithError(err).WithField("direction", dir).Debug("Failed to capture frame")
	}
}

func freeBuffer(b *packet.Buffer) {
	b.Free()
}
