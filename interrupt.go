package e1000

import (
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/irq"
)

// HandleIRQ is the top half. Reading ICR acknowledges every pending cause,
// so it is read exactly once. Ring state is left to the poll loop.
func (d *Device) HandleIRQ() irq.Return {
	icr, err := d.regs.ReadICR()
	if err != nil || icr == 0 {
		// Not ours, the line may be shared.
		d.m.irqNone.Inc(1)
		return irq.None
	}

	if icr&hw.ICR_LSC != 0 {
		d.linkChanged.Store(true)
	}

	if n := d.napi.Load(); n != nil {
		n.schedule()
	}
	d.m.irqHandled.Inc(1)
	return irq.Handled
}
