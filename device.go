package litepcie

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/litex-hub/litepcie/csr"
	"github.com/litex-hub/litepcie/mmio"
)

// Default DMA geometry, overridable through DeviceConfig.
const (
	DefaultBlockSize     = 8192
	DefaultBufferCount   = 256
	DefaultBuffersPerIRQ = 4
)

// ErrDeviceClosed is returned for operations on a closed device.
var ErrDeviceClosed = errors.New("device was closed")

// ChannelParams is one row of the per-channel hardware table: where the
// channel's DMA register block lives and which bits of the combined
// interrupt vector belong to its two directions. The table is supplied
// at attach time and indexed by channel number; there is no compiled-in
// channel limit.
type ChannelParams struct {
	Base            uint32
	ReaderInterrupt uint
	WriterInterrupt uint
}

// DefaultChannels derives a table of n channels from the default DMA0
// base using the fixed per-channel stride and two vector bits per
// channel, reader first.
func DefaultChannels(n int) []ChannelParams {
	params := make([]ChannelParams, n)
	for i := range params {
		params[i] = ChannelParams{
			Base:            csr.DefaultDMA0Base + uint32(i)*csr.DMAChannelStride,
			ReaderInterrupt: uint(2 * i),
			WriterInterrupt: uint(2*i + 1),
		}
	}
	return params
}

// DeviceConfig describes the DMA geometry and channel table for one
// device.
type DeviceConfig struct {
	BlockSize     int
	BufferCount   int
	BuffersPerIRQ int
	Channels      []ChannelParams
}

func (c *DeviceConfig) withDefaults() DeviceConfig {
	out := *c
	if out.BlockSize == 0 {
		out.BlockSize = DefaultBlockSize
	}
	if out.BufferCount == 0 {
		out.BufferCount = DefaultBufferCount
	}
	if out.BuffersPerIRQ == 0 {
		out.BuffersPerIRQ = DefaultBuffersPerIRQ
	}
	if len(out.Channels) == 0 {
		out.Channels = DefaultChannels(1)
	}
	return out
}

func (c *DeviceConfig) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockSize)
	}
	if c.BufferCount <= 0 || bits.OnesCount(uint(c.BufferCount)) != 1 {
		return fmt.Errorf("buffer count must be a power of two, got %d", c.BufferCount)
	}
	if c.BufferCount > csr.LoopIndexMask {
		return fmt.Errorf("buffer count %d exceeds the loop-status index range", c.BufferCount)
	}
	if c.BuffersPerIRQ <= 0 || c.BuffersPerIRQ > c.BufferCount {
		return fmt.Errorf("buffers per interrupt must be in [1, %d], got %d", c.BufferCount, c.BuffersPerIRQ)
	}
	return nil
}

// Device aggregates the channels of one LitePCIe core behind a shared
// register window. It owns the interrupt enable and pending masks and
// the single deferred-sweep goroutine.
type Device struct {
	l     *logrus.Logger
	bus   mmio.Bus
	alloc BufferAllocator

	identifier string
	channels   []*Channel
	buffers    []*Buffer

	irqsEnabled atomic.Uint32
	irqsPending atomic.Uint32

	kick         chan struct{}
	quit         chan struct{}
	deferredDone chan struct{}
	closed       atomic.Bool

	metricHandled   metrics.Counter
	metricUnclaimed metrics.Counter
}

// NewDevice resets the core, reads its identifier, builds the channel
// table and allocates every ring buffer. The rings are left stopped;
// call Channel.Start per channel or Device.StartAll.
func NewDevice(l *logrus.Logger, bus mmio.Bus, alloc BufferAllocator, cfg DeviceConfig) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		l:               l,
		bus:             bus,
		alloc:           alloc,
		kick:            make(chan struct{}, 1),
		quit:            make(chan struct{}),
		deferredDone:    make(chan struct{}),
		metricHandled:   metrics.GetOrRegisterCounter("interrupt.handled", nil),
		metricUnclaimed: metrics.GetOrRegisterCounter("interrupt.unclaimed", nil),
	}

	d.bus.WriteU32(csr.CtrlReset, 1)
	d.identifier = d.readIdentifier()
	l.WithField("identifier", d.identifier).Info("LitePCIe core attached")

	ringBytes := cfg.BlockSize * cfg.BufferCount
	for i, params := range cfg.Channels {
		readBuf, err := d.allocRingBuffer(ringBytes)
		if err != nil {
			d.releaseBuffers()
			return nil, fmt.Errorf("channel %d read buffer: %w", i, err)
		}
		writeBuf, err := d.allocRingBuffer(ringBytes)
		if err != nil {
			d.releaseBuffers()
			return nil, fmt.Errorf("channel %d write buffer: %w", i, err)
		}

		ch := &Channel{
			index:     i,
			blockSize: cfg.BlockSize,
			l:         l,
			dev:       d,
		}
		// The engine's "writer" fills host memory, the "reader" drains it.
		ch.writer = newDMARing(l, bus, i, "writer", params.Base, csr.Writer,
			params.WriterInterrupt, cfg.BlockSize, cfg.BufferCount, cfg.BuffersPerIRQ, readBuf)
		ch.reader = newDMARing(l, bus, i, "reader", params.Base, csr.Reader,
			params.ReaderInterrupt, cfg.BlockSize, cfg.BufferCount, cfg.BuffersPerIRQ, writeBuf)
		d.channels = append(d.channels, ch)
	}

	go d.runDeferred()

	return d, nil
}

// allocRingBuffer allocates one common buffer and rejects allocations
// the descriptor table could not address.
func (d *Device) allocRingBuffer(size int) (*Buffer, error) {
	buf, err := d.alloc.Alloc(size)
	if err != nil {
		return nil, err
	}
	if buf.BusAddr == 0 {
		_ = d.alloc.Free(buf)
		return nil, errors.New("allocator returned a null bus address")
	}
	d.buffers = append(d.buffers, buf)
	return buf, nil
}

func (d *Device) releaseBuffers() {
	for _, buf := range d.buffers {
		if err := d.alloc.Free(buf); err != nil {
			d.l.WithError(err).Error("Failed to free DMA buffer")
		}
	}
	d.buffers = nil
}

// readIdentifier reads the core identification string, one byte per
// 32-bit register.
func (d *Device) readIdentifier() string {
	var sb strings.Builder
	for i := uint32(0); i < csr.IdentifierMemWords; i++ {
		b := byte(d.bus.ReadU32(csr.IdentifierMemBase + i*4))
		if b == 0 {
			break
		}
		sb.WriteByte(b)
	}
	return sb.String()
}

// Identifier returns the identification string the core reported at
// attach.
func (d *Device) Identifier() string { return d.identifier }

// Channels returns the channel table, indexed by channel number.
func (d *Device) Channels() []*Channel { return d.channels }

// Channel returns channel i, or nil when i is out of range.
func (d *Device) Channel(i int) *Channel {
	if i < 0 || i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

// StartAll starts every channel in both directions.
func (d *Device) StartAll() {
	for _, ch := range d.channels {
		ch.Start()
	}
}

// StopAll stops every channel in both directions.
func (d *Device) StopAll() {
	for _, ch := range d.channels {
		ch.Stop()
	}
}

// Close stops all DMA, masks every interrupt, stops the deferred sweep
// and frees the ring buffers, in that order. A buffer must never be
// released while an interrupt could still reference it. Close is
// idempotent.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.StopAll()
	d.bus.WriteU32(csr.MSIEnable, 0)

	// The kick channel stays open so a late ISR on a shared line can
	// never hit a closed channel; quit is what ends the sweep goroutine.
	close(d.quit)
	<-d.deferredDone

	d.releaseBuffers()
	return nil
}
