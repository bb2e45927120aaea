package litepcie

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litex-hub/litepcie/csr"
	"github.com/litex-hub/litepcie/test"
)

func newTestDevice(t *testing.T, cfg DeviceConfig) (*Device, *testBus) {
	t.Helper()
	bus := newTestBus()
	dev, err := NewDevice(test.NewLogger(), bus, &testAllocator{}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev, bus
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

// A write bigger than what the hardware has consumed parks, then
// completes from the next reconciliation for everything that fit.
func TestWriteParksThenCompletes(t *testing.T) {
	dev, _ := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)

	data := pattern(3 * 4096)
	var gotN int
	var gotErr error
	done := make(chan struct{})
	require.NoError(t, ch.SubmitWrite(data, func(n int, err error) {
		gotN, gotErr = n, err
		close(done)
	}))

	// Nothing consumed yet, so the request must be parked untouched.
	req := ch.reader.parked()
	require.NotNil(t, req)
	select {
	case <-done:
		t.Fatal("request completed before the hardware made progress")
	default:
	}

	// The engine consumed five buffers; the sweep would now reconcile
	// and re-service the parked request.
	ch.reader.reconcile(csr.LoopStatus(0, 5))
	ch.service(ch.reader, req)

	<-done
	require.NoError(t, gotErr)
	assert.Equal(t, 3*4096, gotN)

	hw, sw := ch.reader.counts()
	assert.Equal(t, int64(5), hw)
	assert.Equal(t, int64(3), sw)
	assert.Nil(t, ch.reader.parked())

	// The data landed in ring slots 0..2.
	assert.Equal(t, data[:4096], ch.reader.bufPtr[0])
	assert.Equal(t, data[8192:], ch.reader.bufPtr[2])
}

// Reads move whole buffers only; a trailing remainder smaller than the
// block size stays with the caller.
func TestReadWholeBufferGranularity(t *testing.T) {
	dev, _ := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)

	copy(ch.writer.bufPtr[0], pattern(4096))
	ch.writer.reconcile(csr.LoopStatus(0, 2))

	buf := make([]byte, 6000)
	var gotN int
	done := make(chan struct{})
	require.NoError(t, ch.SubmitRead(buf, func(n int, err error) {
		require.NoError(t, err)
		gotN = n
		close(done)
	}))

	<-done
	assert.Equal(t, 4096, gotN)
	assert.Equal(t, pattern(4096), buf[:4096])

	_, sw := ch.writer.counts()
	assert.Equal(t, int64(1), sw)
}

func TestSecondSubmitOnParkedDirection(t *testing.T) {
	dev, _ := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)

	require.NoError(t, ch.SubmitRead(make([]byte, 4096), func(int, error) {}))
	require.NotNil(t, ch.writer.parked())

	err := ch.SubmitRead(make([]byte, 4096), func(int, error) {
		t.Fatal("the second request must not complete")
	})
	assert.ErrorIs(t, err, ErrRequestPending)

	// The parked request is still the first one.
	require.NotNil(t, ch.writer.parked())
}

// Racing submits on one direction admit exactly one request; the rest
// are rejected at admission and never touch the ring.
func TestConcurrentSubmitsAdmitOne(t *testing.T) {
	dev, _ := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)

	const workers = 8
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ch.SubmitRead(make([]byte, 4096), func(int, error) {
				t.Error("no request should complete while the ring is empty")
			})
			if err == nil {
				admitted.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrRequestPending)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	require.NotNil(t, ch.writer.parked())
}

func TestSubmitEmptyBuffer(t *testing.T) {
	dev, _ := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)

	var gotErr error
	require.NoError(t, ch.SubmitRead(nil, func(n int, err error) {
		gotErr = err
	}))
	assert.ErrorIs(t, gotErr, ErrEmptyBuffer)
	assert.Nil(t, ch.writer.parked())
}

func TestSubmitAfterClose(t *testing.T) {
	dev, _ := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)
	require.NoError(t, dev.Close())

	err := ch.SubmitRead(make([]byte, 4096), func(int, error) {})
	assert.ErrorIs(t, err, ErrDeviceClosed)
	err = ch.SubmitWrite(make([]byte, 4096), func(int, error) {})
	assert.ErrorIs(t, err, ErrDeviceClosed)
}

// When software falls more than a coalescing interval behind the
// hardware the overflow is counted but the data still moves.
func TestOverflowCountedNotFatal(t *testing.T) {
	dev, _ := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 4})
	ch := dev.Channel(0)

	before := ch.writer.overflows.Count()
	ch.writer.reconcile(csr.LoopStatus(0, 7))

	buf := make([]byte, 7*4096)
	var gotN int
	done := make(chan struct{})
	require.NoError(t, ch.SubmitRead(buf, func(n int, err error) {
		require.NoError(t, err)
		gotN = n
		close(done)
	}))

	<-done
	assert.Equal(t, 7*4096, gotN)

	// available was 7, 6 and 5 on the first three copies, each past the
	// bufferCount-buffersPerIRQ threshold of 4.
	assert.Equal(t, int64(3), ch.writer.overflows.Count()-before)
}

func TestBlockingWriteCompletesFromSweep(t *testing.T) {
	dev, bus := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)
	dev.enableInterrupt(ch.reader.interruptBit)

	type result struct {
		n   int
		err error
	}
	res := make(chan result, 1)
	go func() {
		n, err := ch.Write(pattern(2 * 4096))
		res <- result{n, err}
	}()

	// Wait for the writer goroutine to park its request.
	require.Eventually(t, func() bool {
		return ch.reader.parked() != nil
	}, time.Second, time.Millisecond)

	// Simulate the interrupt path: progress in the loop-status register,
	// the vector bit raised, then the top and bottom halves.
	bus.set(ch.reader.base+ch.reader.regs.TableLoopStatus, csr.LoopStatus(0, 3))
	bus.set(csr.MSIVector, 1<<ch.reader.interruptBit)
	require.True(t, dev.ISR())

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, 2*4096, r.n)
	case <-time.After(time.Second):
		t.Fatal("write did not complete")
	}

	hw, sw := ch.reader.counts()
	assert.Equal(t, int64(3), hw)
	assert.Equal(t, int64(2), sw)
}

func TestChannelStartStopTouchesInterruptMask(t *testing.T) {
	dev, bus := newTestDevice(t, DeviceConfig{BlockSize: 4096, BufferCount: 8, BuffersPerIRQ: 2})
	ch := dev.Channel(0)

	ch.Start()
	mask := uint32(1<<ch.reader.interruptBit | 1<<ch.writer.interruptBit)
	assert.Equal(t, mask, dev.irqsEnabled.Load())
	assert.Equal(t, mask, bus.ReadU32(csr.MSIEnable))

	ch.Stop()
	assert.Zero(t, dev.irqsEnabled.Load())
	assert.Zero(t, bus.ReadU32(csr.MSIEnable))
}
