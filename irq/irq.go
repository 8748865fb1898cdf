// Package irq delivers device interrupts to registered top-half handlers
// from a dedicated dispatch goroutine.
package irq

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Return is what a handler reports for an interrupt.
type Return int

const (
	// None means the interrupt was not raised by the handler's device.
	None Return = iota
	// Handled means the handler's device raised it and it was taken care of.
	Handled
)

func (r Return) String() string {
	if r == Handled {
		return "handled"
	}
	return "none"
}

// Handler is a top half. It runs on the dispatch goroutine and must not
// block or call Registration.Free.
type Handler func() Return

// Flags modify a registration.
type Flags uint16

// Shared allows other handlers on the same line. Every registrant of a
// shared line must pass it.
const Shared Flags = 0x0001

// ErrConflict is returned when a registration would share a line with a
// handler that did not agree to share.
var ErrConflict = errors.New("conflicts with registered interrupt handlers")

// ErrLineClosed is returned when registering on a closed line.
var ErrLineClosed = errors.New("interrupt line closed")

// Source is where interrupts come from.
type Source interface {
	// Wait blocks until an interrupt is pending or Wake was called.
	Wait() error
	// Ack re-arms the source after the handlers ran.
	Ack() error
	// Wake unblocks Wait.
	Wake() error
	Close() error
}

// Line is one interrupt line with its handlers.
type Line struct {
	l    *logrus.Logger
	name string
	src  Source

	mu       sync.Mutex
	handlers []*Registration
	closed   bool

	// dispatching is held while handlers run so Free can wait them out.
	dispatching sync.Mutex

	stop atomic.Bool
	done chan struct{}

	handled  metrics.Counter
	spurious metrics.Counter
}

// Registration is a handler attached to a Line.
type Registration struct {
	line    *Line
	name    string
	handler Handler
	flags   Flags
	freed   bool
}

// NewLine starts dispatching interrupts from src.
func NewLine(l *logrus.Logger, name string, src Source) *Line {
	ln := &Line{
		l:        l,
		name:     name,
		src:      src,
		done:     make(chan struct{}),
		handled:  metrics.GetOrRegisterCounter(fmt.Sprintf("irq.%s.handled", name), nil),
		spurious: metrics.GetOrRegisterCounter(fmt.Sprintf("irq.%s.spurious", name), nil),
	}
	go ln.run()
	return ln
}

// Register attaches h to the line.
func (ln *Line) Register(name string, h Handler, flags Flags) (*Registration, error) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	if ln.closed {
		return nil, ErrLineClosed
	}

	for _, r := range ln.handlers {
		if r.flags&Shared == 0 || flags&Shared == 0 {
			return nil, fmt.Errorf("%w: %s already holds %s", ErrConflict, r.name, ln.name)
		}
	}

	r := &Registration{line: ln, name: name, handler: h, flags: flags}
	// Copy on write, dispatch iterates a snapshot.
	handlers := make([]*Registration, 0, len(ln.handlers)+1)
	handlers = append(handlers, ln.handlers...)
	ln.handlers = append(handlers, r)

	ln.l.WithField("irq", ln.name).WithField("handler", name).Debug("Registered interrupt handler")
	return r, nil
}

// Free detaches the handler and returns once no dispatch can still be
// running it.
func (r *Registration) Free() {
	ln := r.line

	ln.mu.Lock()
	if r.freed {
		ln.mu.Unlock()
		return
	}
	r.freed = true

	handlers := make([]*Registration, 0, len(ln.handlers))
	for _, o := range ln.handlers {
		if o != r {
			handlers = append(handlers, o)
		}
	}
	ln.handlers = handlers
	ln.mu.Unlock()

	// synchronize with an in-flight dispatch
	ln.dispatching.Lock()
	ln.dispatching.Unlock()

	ln.l.WithField("irq", ln.name).WithField("handler", r.name).Debug("Freed interrupt handler")
}

// Handlers returns the number of registered handlers.
func (ln *Line) Handlers() int {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return len(ln.handlers)
}

func (ln *Line) run() {
	defer close(ln.done)

	for {
		err := ln.src.Wait()
		if ln.stop.Load() {
			return
		}
		if err != nil {
			ln.l.WithError(err).WithField("irq", ln.name).Error("Interrupt source failed, stopping dispatch")
			return
		}

		ln.dispatch()

		if err := ln.src.Ack(); err != nil {
			ln.l.WithError(err).WithField("irq", ln.name).Warn("Failed to re-arm interrupt source")
		}
	}
}

// dispatch offers the interrupt to every handler in registration order.
func (ln *Line) dispatch() {
	ln.dispatching.Lock()
	defer ln.dispatching.Unlock()

	ln.mu.Lock()
	handlers := ln.handlers
	ln.mu.Unlock()

	ret := None
	for _, r := range handlers {
		if r.handler() == Handled {
			ret = Handled
		}
	}

	if ret == Handled {
		ln.handled.Inc(1)
	} else {
		ln.spurious.Inc(1)
	}
}

// Close stops dispatching and closes the source. Handlers should have been
// freed already.
func (ln *Line) Close() error {
	ln.mu.Lock()
	if ln.closed {
		ln.mu.Unlock()
		return nil
	}
	ln.closed = true
	if len(ln.handlers) > 0 {
		ln.l.WithField("irq", ln.name).WithField("handlers", len(ln.handlers)).
			Warn("Closing interrupt line with registered handlers")
	}
	ln.mu.Unlock()

	ln.stop.Store(true)
	if err := ln.src.Wake(); err != nil {
		return fmt.Errorf("wake interrupt dispatch: %w", err)
	}
	<-ln.done
	return ln.src.Close()
}
