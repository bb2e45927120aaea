package litepcie

import (
	"context"
	"time"

	"github.com/litex-hub/litepcie/csr"
)

// IRQSource delivers hardware interrupt signals to the device. Wait
// blocks until the next signal or until ctx is done. Implementations
// wrap whatever the platform provides: a VFIO eventfd, a uio fd, or a
// plain timer when the device runs in polled mode.
type IRQSource interface {
	Wait(ctx context.Context) error
}

// ISR is the top half of interrupt handling. It reads the combined
// vector register, accumulates the fired bits into the pending mask,
// acknowledges them at the source and schedules the deferred sweep. It
// never blocks and never takes a ring lock, so it is safe to call from
// the tightest delivery context the platform has.
//
// The return value reports whether the interrupt belonged to this
// device; false means a shared line fired for someone else.
func (d *Device) ISR() bool {
	if d.closed.Load() {
		// A shared line can still fire after teardown; it is no longer
		// ours to claim.
		return false
	}

	vec := d.bus.ReadU32(csr.MSIVector)
	if vec == 0 {
		d.metricUnclaimed.Inc(1)
		return false
	}

	d.irqsPending.Or(vec)
	d.bus.WriteU32(csr.MSIClear, vec)
	d.metricHandled.Inc(1)

	// Coalesce into the single-slot kick channel. The sweep goroutine
	// rereads the pending mask, so a dropped kick while one is already
	// queued loses nothing.
	select {
	case d.kick <- struct{}{}:
	default:
	}

	return true
}

// ServiceInterrupts drives ISR from the given source until ctx is done.
// It is the glue for deployments where interrupt delivery surfaces as a
// waitable object rather than a callback.
func (d *Device) ServiceInterrupts(ctx context.Context, src IRQSource) error {
	for {
		if err := src.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		d.ISR()
	}
}

// runDeferred is the bottom half. Exactly one instance runs per device,
// so the sweep never races itself.
func (d *Device) runDeferred() {
	defer close(d.deferredDone)
	for {
		select {
		case <-d.quit:
			return
		case <-d.kick:
			d.deferredSweep()
		}
	}
}

// deferredSweep reconciles every direction whose bit is set in
// (pending & enabled) and re-invokes fulfillment for any parked request.
// Bits that arrive while the sweep runs stay pending; the interrupt that
// set them also queued another kick, so they are picked up on the next
// pass rather than busy-looped on here.
func (d *Device) deferredSweep() {
	enabled := d.bus.ReadU32(csr.MSIEnable)
	vector := d.irqsPending.Load() & enabled

	var clearMask uint32
	for _, ch := range d.channels {
		// Reader side: the hardware consumed more host buffers, which
		// may unpark a write.
		if vector&(1<<ch.reader.interruptBit) != 0 {
			status := d.bus.ReadU32(ch.reader.base + ch.reader.regs.TableLoopStatus)
			ch.reader.reconcile(status)
			if req := ch.reader.parked(); req != nil {
				ch.service(ch.reader, req)
			}
			clearMask |= 1 << ch.reader.interruptBit
		}

		// Writer side: the hardware produced more buffers, which may
		// unpark a read.
		if vector&(1<<ch.writer.interruptBit) != 0 {
			status := d.bus.ReadU32(ch.writer.base + ch.writer.regs.TableLoopStatus)
			ch.writer.reconcile(status)
			if req := ch.writer.parked(); req != nil {
				ch.service(ch.writer, req)
			}
			clearMask |= 1 << ch.writer.interruptBit
		}
	}

	d.irqsPending.And(^clearMask)
}

// enableInterrupt unmasks one vector bit and immediately acknowledges
// any stale pending state for it, so a bit left over from before the
// enable cannot refire spuriously.
func (d *Device) enableInterrupt(bit uint) {
	mask := d.irqsEnabled.Or(1<<bit) | 1<<bit
	d.bus.WriteU32(csr.MSIEnable, mask)
	d.bus.WriteU32(csr.MSIClear, 1<<bit)
}

// disableInterrupt masks one vector bit.
func (d *Device) disableInterrupt(bit uint) {
	mask := d.irqsEnabled.And(^uint32(1<<bit)) &^ (1 << bit)
	d.bus.WriteU32(csr.MSIEnable, mask)
}

// EnableInterrupts rewrites the enable register from the requested mask
// and acknowledges everything in it. Used when the platform re-arms the
// device vector, for example after resume.
func (d *Device) EnableInterrupts() {
	mask := d.irqsEnabled.Load()
	d.bus.WriteU32(csr.MSIEnable, mask)
	d.bus.WriteU32(csr.MSIClear, mask)
}

// DisableInterrupts masks every vector bit at the device without
// touching the requested mask, mirroring EnableInterrupts.
func (d *Device) DisableInterrupts() {
	d.bus.WriteU32(csr.MSIEnable, 0)
}

// PollSource is an IRQSource for polled-mode operation: it fires on a
// fixed interval and relies on ISR reading a zero vector when the
// device has nothing to report.
type PollSource struct {
	Interval time.Duration
}

func (p *PollSource) Wait(ctx context.Context) error {
	t := time.NewTimer(p.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
