package e1000

import (
	"github.com/slackhq/e1000/capture"
	"github.com/slackhq/e1000/packet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// poll is one bottom half pass: receive up to budget frames, reclaim
// finished transmit descriptors, follow the link and restart a stopped
// queue. The receive and transmit locks are never held together. It returns
// the number of receive descriptors processed.
func (d *Device) poll(budget int) int {
	work, err := d.rx.Drain(budget, d.receive)
	if err != nil {
		d.l.WithError(err).WithField("queue", "rx").Warn("Receive pass failed")
	}
	if dropped := d.rx.Dropped(); dropped != d.lastDropped {
		d.m.rxDropped.Inc(int64(dropped - d.lastDropped))
		d.lastDropped = dropped
	}
	if errored := d.rx.Errors(); errored != d.lastErrors {
		d.m.rxErrors.Inc(int64(errored - d.lastErrors))
		d.lastErrors = errored
	}

	c, err := d.tx.Reclaim(freeBuffer)
	if err != nil {
		d.l.WithError(err).WithField("queue", "tx").Warn("Transmit reclaim failed")
	}
	if c.Packets > 0 {
		d.m.txDone.Inc(int64(c.Packets))
		d.res.Stack.TxCompleted(c.Packets, c.Bytes)
	}

	if d.linkChanged.CompareAndSwap(true, false) {
		d.updateCarrier()
	}

	if d.queueStopped.Load() && d.tx.Available() > 0 && d.queueStopped.CompareAndSwap(true, false) {
		d.res.Stack.StartQueue()
	}

	return work
}

// receive classifies a frame by its EtherType and passes it up.
func (d *Device) receive(buf *packet.Buffer) {
	frame := buf.Bytes()
	if len(frame) < header.EthernetMinimumSize {
		d.m.rxErrors.Inc(1)
		buf.Free()
		return
	}

	buf.Protocol = uint16(header.Ethernet(frame).Type())
	d.m.rxPackets.Inc(1)
	d.m.rxBytes.Inc(int64(len(frame)))
	d.tap(capture.Rx, frame)

	d.res.Stack.Receive(buf)
}

func (d *Device) updateCarrier() {
	if d.regs.LinkUp() {
		d.l.Info("Link up")
		d.res.Stack.CarrierOn()
		return
	}
	d.l.Info("Link down")
	d.res.Stack.CarrierOff()
}
