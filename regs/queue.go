package regs

import "github.com/slackhq/e1000/hw"

// Queue exposes the head and tail registers of one ring.
type Queue struct {
	r    *Regs
	head uint32
	tail uint32
}

// TxQueue returns the doorbell of the transmit ring.
func (r *Regs) TxQueue() *Queue {
	return &Queue{r: r, head: hw.TDH, tail: hw.TDT}
}

// RxQueue returns the doorbell of the receive ring.
func (r *Regs) RxQueue() *Queue {
	return &Queue{r: r, head: hw.RDH, tail: hw.RDT}
}

func (q *Queue) Head() (uint32, error) {
	return q.r.Read32(q.head)
}

func (q *Queue) Tail() (uint32, error) {
	return q.r.Read32(q.tail)
}

// SetTail publishes new descriptors to the device.
func (q *Queue) SetTail(v uint32) error {
	return q.r.Write32(q.tail, v)
}
