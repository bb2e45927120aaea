package litepcie

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Control wraps a running device: channel startup, interrupt servicing
// and shutdown ordering live here so callers only deal with
// Start/Stop/ShutdownBlock.
type Control struct {
	dev        *Device
	irq        IRQSource
	l          *logrus.Logger
	cancel     context.CancelFunc
	ctx        context.Context
	statsStart func()
	cleanup    func()
	irqDone    chan struct{}
	started    bool
}

// Device exposes the device under control, mainly so callers can reach
// its channels.
func (c *Control) Device() *Device { return c.dev }

// Start brings up every channel and begins servicing interrupts. This is
// a nonblocking call; to block use Control.ShutdownBlock().
func (c *Control) Start() {
	c.started = true
	c.dev.StartAll()

	if c.statsStart != nil {
		go c.statsStart()
	}

	go func() {
		defer close(c.irqDone)
		if err := c.dev.ServiceInterrupts(c.ctx, c.irq); err != nil && c.ctx.Err() == nil {
			c.l.WithError(err).Error("Interrupt servicing stopped")
		}
	}()
}

// Stop tears the device down: interrupt servicing ends, DMA stops, the
// interrupt mask clears and only then are buffers released.
func (c *Control) Stop() {
	c.cancel()
	if c.started {
		<-c.irqDone
	}

	if err := c.dev.Close(); err != nil {
		c.l.WithError(err).Error("Close device failed")
	}
	if c.cleanup != nil {
		c.cleanup()
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals,
// calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
