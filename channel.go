package litepcie

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrRequestPending is returned when a read or write is submitted for a
// direction that already has a request parked on it. The core never
// clobbers a parked request; callers must wait for it to resolve.
var ErrRequestPending = errors.New("a request is already pending on this direction")

// ErrEmptyBuffer is returned when a request carries no usable memory.
var ErrEmptyBuffer = errors.New("request buffer is empty")

// request is one outstanding read or write. complete fires exactly once,
// either synchronously from Submit or from the deferred interrupt sweep
// once enough ring slots became available.
type request struct {
	buf      []byte
	complete func(n int, err error)
}

// Channel is one bidirectional DMA channel. Data the host reads comes
// from the writer ring (the hardware "writes" memory), data the host
// sends leaves through the reader ring (the hardware "reads" memory).
// The two directions are fully independent and never share a lock.
type Channel struct {
	index     int
	blockSize int
	l         *logrus.Logger
	dev       *Device

	reader *dmaRing // host to device
	writer *dmaRing // device to host

	// readMu and writeMu serialize the blocking wrappers. The submit
	// path itself only ever admits one outstanding request per
	// direction; these keep concurrent blocking callers from bouncing
	// off ErrRequestPending.
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// Index returns the channel number within the device.
func (ch *Channel) Index() int { return ch.index }

// BlockSize returns the size of one ring buffer in bytes. Reads and
// writes only ever transfer whole multiples of it.
func (ch *Channel) BlockSize() int { return ch.blockSize }

// Start programs and enables both directions and unmasks their
// interrupts. Counters start from zero.
func (ch *Channel) Start() {
	ch.writer.start()
	ch.reader.start()
	ch.dev.enableInterrupt(ch.writer.interruptBit)
	ch.dev.enableInterrupt(ch.reader.interruptBit)
}

// Stop masks the channel's interrupts and stops both directions. It is
// safe to call on an already stopped channel.
func (ch *Channel) Stop() {
	ch.dev.disableInterrupt(ch.writer.interruptBit)
	ch.dev.disableInterrupt(ch.reader.interruptBit)
	ch.writer.stop()
	ch.reader.stop()
}

// SubmitRead asks the channel to fill p from the writer ring. If at
// least one whole buffer is available the request completes before
// SubmitRead returns; otherwise it parks and completes from a later
// interrupt. complete receives the number of bytes copied, always a
// multiple of BlockSize.
func (ch *Channel) SubmitRead(p []byte, complete func(n int, err error)) error {
	return ch.submit(ch.writer, &request{buf: p, complete: complete})
}

// SubmitWrite asks the channel to send p through the reader ring. The
// parking behavior mirrors SubmitRead.
func (ch *Channel) SubmitWrite(p []byte, complete func(n int, err error)) error {
	return ch.submit(ch.reader, &request{buf: p, complete: complete})
}

func (ch *Channel) submit(r *dmaRing, req *request) error {
	if ch.dev.closed.Load() {
		return ErrDeviceClosed
	}
	if len(req.buf) == 0 {
		req.complete(0, ErrEmptyBuffer)
		return nil
	}

	// Admission and parking are one locked step, so two racing submits
	// can never both enter service for the same direction.
	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return ErrRequestPending
	}
	r.pending = req
	r.mu.Unlock()

	ch.service(r, req)
	return nil
}

// Read blocks until at least one whole buffer has been copied out of the
// writer ring, then returns the byte count. There is no timeout: if the
// hardware never produces enough data the call blocks indefinitely,
// matching the interrupt-only completion model of the engine.
func (ch *Channel) Read(p []byte) (int, error) {
	ch.readMu.Lock()
	defer ch.readMu.Unlock()
	return ch.await(ch.SubmitRead, p)
}

// Write blocks until at least one whole buffer of p has been handed to
// the reader ring, then returns the byte count. The same no-timeout
// caveat as Read applies.
func (ch *Channel) Write(p []byte) (int, error) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return ch.await(ch.SubmitWrite, p)
}

func (ch *Channel) await(submit func([]byte, func(int, error)) error, p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}

	done := make(chan result, 1)
	err := submit(p, func(n int, err error) {
		done <- result{n, err}
	})
	if err != nil {
		return 0, err
	}

	res := <-done
	return res.n, res.err
}

// service copies as many whole buffers as the ring currently has
// available between req.buf and the ring slots. Counter access happens
// under the ring lock; the copies themselves do not, they work against
// an index snapshot taken under the lock.
//
// A request either resolves for everything copied so far, or parks
// untouched when nothing was available. It is never left parked with a
// partial count.
func (ch *Channel) service(r *dmaRing, req *request) {
	done := 0
	overflows := 0
	length := len(req.buf)

	for done < length {
		if length-done < r.blockSize {
			// Whole buffers only; a remainder smaller than the block
			// size stays with the caller.
			break
		}

		r.mu.Lock()
		available := r.hwCount - r.swCount
		if available <= 0 {
			r.mu.Unlock()
			break
		}
		if available > int64(r.bufferCount-r.buffersPerIRQ) {
			// Software is falling behind the hardware. The data in this
			// slot is still intact, so count the condition and keep
			// copying.
			overflows++
		}
		slot := int(r.swCount % int64(r.bufferCount))
		r.mu.Unlock()

		if r == ch.writer {
			copy(req.buf[done:done+r.blockSize], r.bufPtr[slot])
		} else {
			copy(r.bufPtr[slot], req.buf[done:done+r.blockSize])
		}

		r.mu.Lock()
		r.swCount++
		sw := r.swCount
		r.mu.Unlock()
		r.swGauge.Update(sw)

		done += r.blockSize
	}

	if overflows > 0 {
		r.overflows.Inc(int64(overflows))
		ch.l.WithFields(logrus.Fields{
			"channel":   ch.index,
			"direction": r.dir,
			"overflows": overflows,
		}).Error("DMA ring overflow, software is not keeping up")
	}

	if done > 0 {
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
		req.complete(done, nil)
		return
	}

	// Nothing was available yet. The request was parked at admission and
	// stays parked for the next interrupt.
}
