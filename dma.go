package litepcie

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/litex-hub/litepcie/csr"
	"github.com/litex-hub/litepcie/mmio"
)

// stopSettleDelay is how long a ring waits after asking the engine to
// stop looping before it disables the direction, so in-flight transfers
// can drain.
const stopSettleDelay = time.Millisecond

// dmaRing is one direction of one channel: a fixed-depth circular
// descriptor table plus the counter pair that tracks progress through it.
//
// hwCount and swCount are 64-bit and monotonically increasing for the
// lifetime of a start/stop cycle. hwCount is reconstructed from the
// wrapping 32-bit loop-status register; swCount counts buffers the
// software side has produced (reader) or consumed (writer). Their
// difference is the number of ring slots currently actionable by
// software and, absent overflow, never exceeds bufferCount.
type dmaRing struct {
	l   *logrus.Logger
	bus mmio.Bus

	channel      int
	dir          string
	base         uint32
	regs         csr.DirRegs
	interruptBit uint

	blockSize     int
	bufferCount   int
	buffersPerIRQ int
	countShift    uint // log2(bufferCount)

	// bufAddr and bufPtr alias the same buffers: bus addresses for
	// descriptor programming, host-mapped slices for copies. Immutable
	// after setup.
	bufAddr []uint64
	bufPtr  [][]byte

	// mu protects the counters and the parked request. It is only ever
	// held for a few integer operations, never across a buffer copy,
	// because the deferred interrupt sweep takes it too.
	mu          sync.Mutex
	hwCount     int64
	hwCountLast int64
	swCount     int64
	pending     *request
	running     bool

	overflows metrics.Counter
	hwGauge   metrics.Gauge
	swGauge   metrics.Gauge
}

func newDMARing(l *logrus.Logger, bus mmio.Bus, channel int, dir string, base uint32, regs csr.DirRegs, interruptBit uint, blockSize, bufferCount, buffersPerIRQ int, buf *Buffer) *dmaRing {
	r := &dmaRing{
		l:             l,
		bus:           bus,
		channel:       channel,
		dir:           dir,
		base:          base,
		regs:          regs,
		interruptBit:  interruptBit,
		blockSize:     blockSize,
		bufferCount:   bufferCount,
		buffersPerIRQ: buffersPerIRQ,
		countShift:    uint(bits.TrailingZeros(uint(bufferCount))),
		bufAddr:       make([]uint64, bufferCount),
		bufPtr:        make([][]byte, bufferCount),
		overflows:     metrics.GetOrRegisterCounter(fmt.Sprintf("dma.%d.%s.overflows", channel, dir), nil),
		hwGauge:       metrics.GetOrRegisterGauge(fmt.Sprintf("dma.%d.%s.hw_count", channel, dir), nil),
		swGauge:       metrics.GetOrRegisterGauge(fmt.Sprintf("dma.%d.%s.sw_count", channel, dir), nil),
	}

	// Slice the common buffer into bufferCount equal blocks.
	for i := 0; i < bufferCount; i++ {
		r.bufAddr[i] = buf.BusAddr + uint64(i*blockSize)
		r.bufPtr[i] = buf.Bytes[i*blockSize : (i+1)*blockSize]
	}

	return r
}

// start programs one descriptor per ring slot, commits the table as a
// closed loop and enables the engine. All three counters reset to zero.
func (r *dmaRing) start() {
	r.bus.WriteU32(r.base+r.regs.Enable, 0)
	r.bus.WriteU32(r.base+r.regs.TableFlush, 1)
	r.bus.WriteU32(r.base+r.regs.TableLoopProgN, 0)

	for i := 0; i < r.bufferCount; i++ {
		desc := uint32(r.blockSize) | csr.DescLastDisable
		if i%r.buffersPerIRQ != 0 {
			// Interrupt coalescing: only every buffersPerIRQ-th slot
			// raises a completion interrupt.
			desc |= csr.DescIRQDisable
		}
		r.bus.WriteU32(r.base+r.regs.TableValue, desc)
		r.bus.WriteU32(r.base+r.regs.TableValue+4, uint32(r.bufAddr[i]))
		// The write strobe commits the entry and carries the address MSB
		// for 64-bit addressing.
		r.bus.WriteU32(r.base+r.regs.TableWE, uint32(r.bufAddr[i]>>32))
	}

	r.bus.WriteU32(r.base+r.regs.TableLoopProgN, 1)

	r.mu.Lock()
	r.hwCount = 0
	r.hwCountLast = 0
	r.swCount = 0
	r.running = true
	r.mu.Unlock()
	r.hwGauge.Update(0)
	r.swGauge.Update(0)

	r.bus.WriteU32(r.base+r.regs.Enable, 1)

	r.l.WithFields(logrus.Fields{
		"channel":   r.channel,
		"direction": r.dir,
		"buffers":   r.bufferCount,
		"blockSize": r.blockSize,
	}).Debug("DMA ring started")
}

// stop flushes and disables the engine and clears the counters. It is
// idempotent; stopping an already stopped ring leaves the same state.
func (r *dmaRing) stop() {
	r.bus.WriteU32(r.base+r.regs.TableLoopProgN, 0)
	r.bus.WriteU32(r.base+r.regs.TableFlush, 1)
	time.Sleep(stopSettleDelay)
	r.bus.WriteU32(r.base+r.regs.Enable, 0)
	r.bus.WriteU32(r.base+r.regs.TableFlush, 1)

	r.mu.Lock()
	r.hwCount = 0
	r.hwCountLast = 0
	r.swCount = 0
	r.running = false
	r.mu.Unlock()
	r.hwGauge.Update(0)
	r.swGauge.Update(0)
}

// reconcile folds a raw loop-status word into the 64-bit hardware count.
//
// The raw value packs a wrapping iteration count and an in-loop index.
// The absolute count carried by the register spans log2(bufferCount)+16
// bits; bits above that survive from previous reconciliations. When the
// freshly reconstructed value runs behind the last one the register
// wrapped, and one full wrap increment keeps hwCount monotonic.
func (r *dmaRing) reconcile(status uint32) {
	span := csr.LoopCountShift + r.countShift

	r.mu.Lock()
	r.hwCount &= ^int64(0) << span
	r.hwCount |= int64(csr.LoopCount(status))*int64(r.bufferCount) + int64(csr.LoopIndex(status))
	if r.hwCountLast > r.hwCount {
		r.hwCount += int64(1) << span
	}
	r.hwCountLast = r.hwCount
	hw := r.hwCount
	r.mu.Unlock()

	r.hwGauge.Update(hw)
}

// counts returns a consistent snapshot of the counter pair.
func (r *dmaRing) counts() (hw, sw int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hwCount, r.swCount
}

// parked returns the currently parked request, if any.
func (r *dmaRing) parked() *request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}
