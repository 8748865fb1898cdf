package irq

import (
	"gvisor.dev/gvisor/pkg/eventfd"
)

// EventSource is an interrupt wire made of an eventfd. Whoever plays the
// device calls Raise, the line's dispatch goroutine waits on it. Raises that
// happen while handlers run are coalesced into one wakeup.
type EventSource struct {
	efd eventfd.Eventfd
}

func NewEventSource() (*EventSource, error) {
	efd, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	return &EventSource{efd: efd}, nil
}

// Raise asserts the interrupt.
func (s *EventSource) Raise() error {
	return s.efd.Notify()
}

func (s *EventSource) Wait() error {
	return s.efd.Wait()
}

// Ack is a no-op, reading the eventfd already re-armed it.
func (s *EventSource) Ack() error {
	return nil
}

func (s *EventSource) Wake() error {
	return s.efd.Notify()
}

func (s *EventSource) Close() error {
	return s.efd.Close()
}
