package e1000

import "github.com/rcrowley/go-metrics"

type deviceMetrics struct {
	rxPackets metrics.Counter
	rxBytes   metrics.Counter
	rxDropped metrics.Counter
	rxErrors  metrics.Counter
	txPackets metrics.Counter
	txBytes   metrics.Counter
	txBusy    metrics.Counter
	txDropped metrics.Counter
	txDone    metrics.Counter

	irqHandled metrics.Counter
	irqNone    metrics.Counter
	pollRuns   metrics.Counter
}

func newDeviceMetrics(r metrics.Registry) *deviceMetrics {
	return &deviceMetrics{
		rxPackets: metrics.GetOrRegisterCounter("e1000.rx.packets", r),
		rxBytes:   metrics.GetOrRegisterCounter("e1000.rx.bytes", r),
		rxDropped: metrics.GetOrRegisterCounter("e1000.rx.dropped", r),
		rxErrors:  metrics.GetOrRegisterCounter("e1000.rx.errors", r),
		txPackets: metrics.GetOrRegisterCounter("e1000.tx.packets", r),
		txBytes:   metrics.GetOrRegisterCounter("e1000.tx.bytes", r),
		txBusy:    metrics.GetOrRegisterCounter("e1000.tx.busy", r),
		txDropped: metrics.GetOrRegisterCounter("e1000.tx.dropped", r),
		txDone:    metrics.GetOrRegisterCounter("e1000.tx.completed", r),

		irqHandled: metrics.GetOrRegisterCounter("e1000.irq.handled", r),
		irqNone:    metrics.GetOrRegisterCounter("e1000.irq.none", r),
		pollRuns:   metrics.GetOrRegisterCounter("e1000.poll.runs", r),
	}
}

// Stats is a snapshot of the device counters.
type Stats struct {
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
	RxErrors  uint64
	TxPackets uint64
	TxBytes   uint64
	TxBusy    uint64
	TxDropped uint64
	TxDone    uint64

	IRQHandled uint64
	IRQNone    uint64
	PollRuns   uint64
}

// Stats returns the counters accumulated since the device was probed.
func (d *Device) Stats() Stats {
	m := d.m
	return Stats{
		RxPackets:  uint64(m.rxPackets.Count()),
		RxBytes:    uint64(m.rxBytes.Count()),
		RxDropped:  uint64(m.rxDropped.Count()),
		RxErrors:   uint64(m.rxErrors.Count()),
		TxPackets:  uint64(m.txPackets.Count()),
		TxBytes:    uint64(m.txBytes.Count()),
		TxBusy:     uint64(m.txBusy.Count()),
		TxDropped:  uint64(m.txDropped.Count()),
		TxDone:     uint64(m.txDone.Count()),
		IRQHandled: uint64(m.irqHandled.Count()),
		IRQNone:    uint64(m.irqNone.Count()),
		PollRuns:   uint64(m.pollRuns.Count()),
	}
}
