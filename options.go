package e1000

import (
	"errors"
	"fmt"
	"net"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/e1000/capture"
	"github.com/slackhq/e1000/hw"
	"github.com/slackhq/e1000/ring"
)

type optionValues struct {
	name     string
	txSize   int
	rxSize   int
	weight   int
	mac      net.HardwareAddr
	capture  *capture.Writer
	registry metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func checkRingSize(n int) error {
	if err := ring.CheckSize(n); err != nil {
		return err
	}
	// RDLEN and TDLEN must be 128 byte aligned.
	if n%8 != 0 {
		return fmt.Errorf("%w: %d is not a multiple of 8", ring.ErrRingSizeInvalid, n)
	}
	return nil
}

func (o *optionValues) validate() error {
	if o.name == "" {
		return errors.New("device name is required")
	}
	if err := checkRingSize(o.txSize); err != nil {
		return fmt.Errorf("transmit ring: %w", err)
	}
	if err := checkRingSize(o.rxSize); err != nil {
		return fmt.Errorf("receive ring: %w", err)
	}
	if o.weight < 1 {
		return fmt.Errorf("poll weight must be positive, got %d", o.weight)
	}
	if len(o.mac) != 6 {
		return fmt.Errorf("invalid MAC address %q", o.mac)
	}
	return nil
}

var optionDefaults = optionValues{
	name:   "e1000",
	txSize: 256,
	rxSize: 256,
	weight: 64,
	mac:    hw.DefaultMAC,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithName sets the name used for logs and the interrupt registration.
func WithName(name string) Option {
	return func(o *optionValues) { o.name = name }
}

// WithRingSizes sets the number of transmit and receive descriptors. Both
// must be powers of 2, multiples of 8 and at most 4096.
func WithRingSizes(tx, rx int) Option {
	return func(o *optionValues) {
		o.txSize = tx
		o.rxSize = rx
	}
}

// WithWeight sets the poll budget.
func WithWeight(weight int) Option {
	return func(o *optionValues) { o.weight = weight }
}

// WithMAC sets the station address programmed into the controller.
func WithMAC(mac net.HardwareAddr) Option {
	return func(o *optionValues) { o.mac = mac }
}

// WithCapture taps every received and every queued frame into w.
func WithCapture(w *capture.Writer) Option {
	return func(o *optionValues) { o.capture = w }
}

// WithMetricsRegistry registers the device counters in r instead of the
// default registry.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
