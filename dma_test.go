package litepcie

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litex-hub/litepcie/csr"
	"github.com/litex-hub/litepcie/test"
)

// testBus is a register window over a plain map that records every write
// in order.
type testBus struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	writes []busWrite
}

type busWrite struct {
	off uint32
	v   uint32
}

func newTestBus() *testBus {
	return &testBus{regs: make(map[uint32]uint32)}
}

func (b *testBus) ReadU32(off uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[off]
}

func (b *testBus) WriteU32(off uint32, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[off] = v
	b.writes = append(b.writes, busWrite{off, v})
}

func (b *testBus) set(off uint32, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[off] = v
}

// writesTo returns the values written to one register, in order.
func (b *testBus) writesTo(off uint32) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uint32
	for _, w := range b.writes {
		if w.off == off {
			out = append(out, w.v)
		}
	}
	return out
}

// testAllocator hands out plain slices with fake, nonzero bus addresses.
type testAllocator struct {
	next uint64
}

func (a *testAllocator) Alloc(size int) (*Buffer, error) {
	if a.next == 0 {
		a.next = 0x100000
	}
	b := &Buffer{Bytes: make([]byte, size), BusAddr: a.next}
	a.next += uint64(size)
	return b, nil
}

func (a *testAllocator) Free(*Buffer) error { return nil }

func newTestRing(t *testing.T, bus *testBus, regs csr.DirRegs, blockSize, bufferCount, buffersPerIRQ int) *dmaRing {
	t.Helper()
	alloc := &testAllocator{}
	buf, err := alloc.Alloc(blockSize * bufferCount)
	require.NoError(t, err)
	return newDMARing(test.NewLogger(), bus, 0, "writer", csr.DefaultDMA0Base, regs, 1, blockSize, bufferCount, buffersPerIRQ, buf)
}

func TestReconcileMonotonicAcrossWrap(t *testing.T) {
	r := newTestRing(t, newTestBus(), csr.Writer, 8192, 1024, 4)

	// 1024 buffers leave 26 significant bits in the loop-status word.
	r.reconcile(csr.LoopStatus(16, 10))
	hw, _ := r.counts()
	assert.Equal(t, int64(16*1024+10), hw)

	// Drive the register to its maximum representable value.
	r.reconcile(csr.LoopStatus(0xffff, 1023))
	hw, _ = r.counts()
	assert.Equal(t, int64(1)<<26-1, hw)

	// The register wraps. The reconstructed value runs behind the last
	// one, so a full wrap increment keeps the count monotonic.
	r.reconcile(csr.LoopStatus(0, 10))
	hw, _ = r.counts()
	assert.Equal(t, int64(1)<<26+10, hw)

	// High bits survive later reconciliations.
	r.reconcile(csr.LoopStatus(1, 0))
	hw, _ = r.counts()
	assert.Equal(t, int64(1)<<26+1024, hw)
}

func TestReconcileRepeatedStatusIsStable(t *testing.T) {
	r := newTestRing(t, newTestBus(), csr.Writer, 4096, 8, 2)

	r.reconcile(csr.LoopStatus(2, 5))
	hw, _ := r.counts()
	assert.Equal(t, int64(21), hw)

	// Rereading the same register value must not manufacture a wrap.
	r.reconcile(csr.LoopStatus(2, 5))
	hw, _ = r.counts()
	assert.Equal(t, int64(21), hw)
}

func TestRingStartProgramsDescriptors(t *testing.T) {
	bus := newTestBus()
	r := newTestRing(t, bus, csr.Writer, 4096, 8, 4)
	r.start()

	base := r.base

	// One descriptor per ring slot. The first slot of every coalescing
	// group interrupts; the rest are suppressed.
	descs := bus.writesTo(base + csr.Writer.TableValue)
	require.Len(t, descs, 8)
	for i, d := range descs {
		assert.Equal(t, uint32(4096), d&0xffffff, "slot %d length", i)
		assert.NotZero(t, d&csr.DescLastDisable, "slot %d last disable", i)
		if i%4 == 0 {
			assert.Zero(t, d&csr.DescIRQDisable, "slot %d should interrupt", i)
		} else {
			assert.NotZero(t, d&csr.DescIRQDisable, "slot %d should be coalesced", i)
		}
	}

	// Each slot gets its own address, blockSize apart.
	addrs := bus.writesTo(base + csr.Writer.TableValue + 4)
	require.Len(t, addrs, 8)
	for i := 1; i < len(addrs); i++ {
		assert.Equal(t, uint32(4096), addrs[i]-addrs[i-1])
	}

	// The loop commits after programming, and the engine enables last.
	assert.Equal(t, []uint32{0, 1}, bus.writesTo(base+csr.Writer.TableLoopProgN))
	assert.Equal(t, []uint32{0, 1}, bus.writesTo(base+csr.Writer.Enable))

	hw, sw := r.counts()
	assert.Zero(t, hw)
	assert.Zero(t, sw)
}

func TestRingStartResetsCounters(t *testing.T) {
	r := newTestRing(t, newTestBus(), csr.Writer, 4096, 8, 2)
	r.start()
	r.reconcile(csr.LoopStatus(3, 2))
	r.mu.Lock()
	r.swCount = 5
	r.mu.Unlock()

	r.start()
	hw, sw := r.counts()
	assert.Zero(t, hw)
	assert.Zero(t, sw)
}

func TestRingStopIsIdempotent(t *testing.T) {
	bus := newTestBus()
	r := newTestRing(t, bus, csr.Reader, 4096, 8, 2)
	r.start()
	r.reconcile(csr.LoopStatus(1, 1))

	r.stop()
	hw, sw := r.counts()
	assert.Zero(t, hw)
	assert.Zero(t, sw)
	assert.False(t, r.running)

	enables := bus.writesTo(r.base + csr.Reader.Enable)
	r.stop()
	hw, sw = r.counts()
	assert.Zero(t, hw)
	assert.Zero(t, sw)
	// The second stop repeats the same register sequence, which the
	// engine treats as a no-op.
	assert.Equal(t, append(enables, 0), bus.writesTo(r.base+csr.Reader.Enable))
}
