package regs

import (
	"fmt"
	"sync"
	"time"

	"github.com/slackhq/e1000/hw"
)

// OpKind names a register access.
type OpKind string

const (
	OpRead  OpKind = "read"
	OpWrite OpKind = "write"
	OpIO    OpKind = "io"
	OpSleep OpKind = "sleep"
)

// Op is a single recorded access.
type Op struct {
	Kind   OpKind
	Offset uint32
	Value  uint32
	Delay  time.Duration
}

func (o Op) String() string {
	switch o.Kind {
	case OpSleep:
		return fmt.Sprintf("sleep %v", o.Delay)
	case OpRead:
		return fmt.Sprintf("read %#05x", o.Offset)
	}
	return fmt.Sprintf("%s %#05x=%#08x", o.Kind, o.Offset, o.Value)
}

// Recorder keeps an ordered trace of every register access and sleep. It
// forwards to wrapped regions when given, otherwise it behaves like a plain
// register file where I/O BAR writes land on the register selected through
// IOADDR.
type Recorder struct {
	mu     sync.Mutex
	ops    []Op
	mmio   MMIO
	io     IOPort
	values map[uint32]uint32
	ioAddr uint32
}

func NewRecorder(mmio MMIO, io IOPort) *Recorder {
	return &Recorder{
		mmio:   mmio,
		io:     io,
		values: make(map[uint32]uint32),
	}
}

// Set seeds a register value without recording it.
func (r *Recorder) Set(offset, value uint32) {
	r.mu.Lock()
	r.values[offset] = value
	r.mu.Unlock()
}

// Value returns the last value written to offset.
func (r *Recorder) Value(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[offset]
}

func (r *Recorder) Read32(offset uint32) (uint32, error) {
	r.mu.Lock()
	r.ops = append(r.ops, Op{Kind: OpRead, Offset: offset})
	v := r.values[offset]
	r.mu.Unlock()

	if r.mmio != nil {
		return r.mmio.Read32(offset)
	}
	return v, nil
}

func (r *Recorder) Write32(offset uint32, value uint32) error {
	r.mu.Lock()
	r.ops = append(r.ops, Op{Kind: OpWrite, Offset: offset, Value: value})
	r.values[offset] = value
	r.mu.Unlock()

	if r.mmio != nil {
		return r.mmio.Write32(offset, value)
	}
	return nil
}

func (r *Recorder) Out32(port uint32, value uint32) error {
	r.mu.Lock()
	r.ops = append(r.ops, Op{Kind: OpIO, Offset: port, Value: value})
	switch port {
	case hw.IOADDR:
		r.ioAddr = value
	case hw.IODATA:
		r.values[r.ioAddr] = value
	}
	r.mu.Unlock()

	if r.io != nil {
		return r.io.Out32(port, value)
	}
	return nil
}

// Sleep records a delay instead of sleeping. Pass it to [WithSleep].
func (r *Recorder) Sleep(d time.Duration) {
	r.mu.Lock()
	r.ops = append(r.ops, Op{Kind: OpSleep, Delay: d})
	r.mu.Unlock()
}

// Ops returns a copy of the trace.
func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

// Writes returns the values written to offset, oldest first.
func (r *Recorder) Writes(offset uint32) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []uint32
	for _, o := range r.ops {
		if o.Kind == OpWrite && o.Offset == offset {
			out = append(out, o.Value)
		}
	}
	return out
}

// Reset drops the trace but keeps the register values.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}
