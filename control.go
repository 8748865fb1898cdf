package e1000

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000/capture"
	"github.com/slackhq/e1000/config"
	"github.com/slackhq/e1000/netstack"
)

// Control is the handle Main returns. Every call on it is safe from any goroutine once Main returned.
type Control struct {
	l          *logrus.Logger
	c          *config.C
	cancel     context.CancelFunc
	statsStart func()
	echoPort   int

	// mu guards the endpoints and capture, Stop clears them.
	mu      sync.Mutex
	local   *endpoint
	peer    *endpoint
	capture *capture.Writer
}

// Start brings the device up and starts moving frames, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() error {
	c.mu.Lock()
	local, peer := c.local, c.peer
	c.mu.Unlock()

	if local == nil {
		return errors.New("control was built for a config test")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.c.CatchHUP(ctx)

	if err := c.start(ctx, local); err != nil {
		cancel()
		return err
	}

	if peer != nil {
		if err := c.start(ctx, peer); err != nil {
			cancel()
			return err
		}

		go func() {
			if err := peer.stack.ServeUDPEcho(ctx, c.echoPort); err != nil {
				c.l.WithError(err).Error("Peer echo service failed")
			}
		}()
	}

	if c.statsStart != nil {
		go c.statsStart()
	}

	return nil
}

func (c *Control) start(ctx context.Context, e *endpoint) error {
	if err := e.dev.Open(); err != nil {
		return fmt.Errorf("open %s: %w", e.dev.Name(), err)
	}
	e.stack.Start(ctx, e.dev)
	return nil
}

// Stop signals the driver to shutdown, returns after the shutdown is complete
func (c *Control) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.close()
	c.l.Info("Goodbye")
}

func (c *Control) close() {
	c.mu.Lock()
	peer, local, capt := c.peer, c.local, c.capture
	c.peer, c.local, c.capture = nil, nil, nil
	c.mu.Unlock()

	for _, e := range []*endpoint{peer, local} {
		if e == nil {
			continue
		}
		if err := e.close(); err != nil {
			c.l.WithError(err).WithField("device", e.dev.Name()).Error("Unclean device shutdown")
		}
	}

	if capt != nil {
		if err := capt.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close capture file")
		}
	}
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Device returns the local controller.
func (c *Control) Device() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	return c.local.dev
}

// Stack returns the network stack on top of the local controller.
func (c *Control) Stack() *netstack.Stack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return nil
	}
	return c.local.stack
}

// PeerStack returns the stack of the loopback peer, nil when sim.peer is not loopback.
func (c *Control) PeerStack() *netstack.Stack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == nil {
		return nil
	}
	return c.peer.stack
}
