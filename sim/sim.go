// Package sim models the register plane and streaming datapath of a
// LitePCIe core in memory. The engine honors the descriptor tables the
// driver programs, advances the wrapping loop-status registers and
// raises MSI vector bits, so the whole library can run end to end with
// no hardware: host writes loop back into host reads one ring lap
// later, exactly like a card with its loopback path enabled.
package sim

import (
	"context"
	"fmt"
	"sync"

	litepcie "github.com/litex-hub/litepcie"
	"github.com/litex-hub/litepcie/csr"
)

// descriptor is one committed ring-table entry as the hardware sees it:
// transfer length, interrupt suppression and the target bus address.
type descriptor struct {
	length     int
	irqDisable bool
	addr       uint64
}

// dirState models one DMA direction of one channel.
type dirState struct {
	regs   csr.DirRegs
	irqBit uint

	table     []descriptor
	stagedLow [2]uint32 // descriptor low word, address LSB
	committed bool      // loop_prog_n
	enabled   bool
	total     int64 // absolute slots processed since last flush
}

func (d *dirState) loopStatus() uint32 {
	if len(d.table) == 0 {
		return 0
	}
	n := int64(len(d.table))
	return csr.LoopStatus(uint32(d.total/n)&csr.LoopIndexMask, uint32(d.total%n))
}

type channelState struct {
	base   uint32
	reader dirState
	writer dirState
}

// Engine is a simulated LitePCIe core. It implements mmio.Bus for the
// register plane and litepcie.IRQSource for interrupt delivery.
type Engine struct {
	mu       sync.Mutex
	channels []*channelState
	regions  []region
	nextAddr uint64

	msiEnable uint32
	msiVector uint32

	irqC chan struct{}

	identifier string
}

type region struct {
	addr uint64
	mem  []byte
}

// NewEngine builds an engine exposing the given channel table. The
// table must match what the device is configured with.
func NewEngine(channels []litepcie.ChannelParams) *Engine {
	e := &Engine{
		nextAddr:   0x100000,
		irqC:       make(chan struct{}, 1),
		identifier: "LitePCIe simulated core",
	}
	for _, p := range channels {
		e.channels = append(e.channels, &channelState{
			base:   p.Base,
			reader: dirState{regs: csr.Reader, irqBit: p.ReaderInterrupt},
			writer: dirState{regs: csr.Writer, irqBit: p.WriterInterrupt},
		})
	}
	return e
}

// Allocator returns a buffer allocator whose allocations the engine can
// address. Use it as the device's allocator so descriptor bus addresses
// resolve inside the simulation.
func (e *Engine) Allocator() litepcie.BufferAllocator {
	return &allocator{engine: e}
}

type allocator struct {
	engine *Engine
}

func (a *allocator) Alloc(size int) (*litepcie.Buffer, error) {
	e := a.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	mem := make([]byte, size)
	addr := e.nextAddr
	e.nextAddr += uint64(size+0xfff) &^ 0xfff
	e.regions = append(e.regions, region{addr: addr, mem: mem})

	return &litepcie.Buffer{Bytes: mem, BusAddr: addr}, nil
}

func (a *allocator) Free(b *litepcie.Buffer) error {
	e := a.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.regions {
		if r.addr == b.BusAddr {
			e.regions = append(e.regions[:i], e.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown buffer at bus address 0x%x", b.BusAddr)
}

// resolve returns the host memory behind a bus address range, or nil
// when the address was never allocated.
func (e *Engine) resolve(addr uint64, n int) []byte {
	for _, r := range e.regions {
		if addr >= r.addr && addr+uint64(n) <= r.addr+uint64(len(r.mem)) {
			off := addr - r.addr
			return r.mem[off : off+uint64(n)]
		}
	}
	return nil
}

func (e *Engine) dir(off uint32) (*channelState, *dirState, uint32) {
	for _, ch := range e.channels {
		if off >= ch.base && off < ch.base+csr.DMAChannelStride {
			rel := off - ch.base
			if rel >= csr.Reader.Enable {
				return ch, &ch.reader, rel - csr.Reader.Enable
			}
			return ch, &ch.writer, rel
		}
	}
	return nil, nil, 0
}

// ReadU32 implements mmio.Bus.
func (e *Engine) ReadU32(off uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case off == csr.MSIEnable:
		return e.msiEnable
	case off == csr.MSIVector:
		return e.msiVector
	case off >= csr.IdentifierMemBase && off < csr.IdentifierMemBase+4*csr.IdentifierMemWords:
		i := int(off-csr.IdentifierMemBase) / 4
		if i < len(e.identifier) {
			return uint32(e.identifier[i])
		}
		return 0
	}

	if _, d, rel := e.dir(off); d != nil {
		switch rel {
		case csr.Writer.Enable:
			if d.enabled {
				return 1
			}
			return 0
		case csr.Writer.TableLoopStatus:
			return d.loopStatus()
		}
	}
	return 0
}

// WriteU32 implements mmio.Bus.
func (e *Engine) WriteU32(off uint32, v uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch off {
	case csr.CtrlReset:
		e.msiEnable = 0
		e.msiVector = 0
		return
	case csr.MSIEnable:
		e.msiEnable = v
		return
	case csr.MSIClear:
		e.msiVector &^= v
		return
	}

	_, d, rel := e.dir(off)
	if d == nil {
		return
	}

	// Offsets below are direction-relative, so compare against the
	// writer block which starts at zero.
	switch rel {
	case csr.Writer.Enable:
		d.enabled = v == 1
	case csr.Writer.TableValue:
		d.stagedLow[0] = v
	case csr.Writer.TableValue + 4:
		d.stagedLow[1] = v
	case csr.Writer.TableWE:
		if !d.committed {
			d.table = append(d.table, descriptor{
				length:     int(d.stagedLow[0] & 0xffffff),
				irqDisable: d.stagedLow[0]&csr.DescIRQDisable != 0,
				addr:       uint64(d.stagedLow[1]) | uint64(v)<<32,
			})
		}
	case csr.Writer.TableLoopProgN:
		d.committed = v == 1
	case csr.Writer.TableFlush:
		if v == 1 {
			d.table = d.table[:0]
			d.total = 0
		}
	}
}

// Tick advances every enabled channel by n ring slots. The reader side
// consumes host buffers in table order; when the writer side is enabled
// its slots receive the consumed data, which is the loopback path. MSI
// vector bits raise according to each slot's interrupt-suppression
// flag, and a waiting IRQSource is signalled.
func (e *Engine) Tick(n int) {
	e.mu.Lock()

	fired := false
	for _, ch := range e.channels {
		for i := 0; i < n; i++ {
			rd := &ch.reader
			wr := &ch.writer
			if !rd.enabled || !rd.committed || len(rd.table) == 0 {
				break
			}

			slot := rd.table[rd.total%int64(len(rd.table))]
			data := e.resolve(slot.addr, slot.length)
			rd.total++
			if !slot.irqDisable {
				e.msiVector |= 1 << rd.irqBit
				fired = true
			}

			if wr.enabled && wr.committed && len(wr.table) > 0 {
				dst := wr.table[wr.total%int64(len(wr.table))]
				if buf := e.resolve(dst.addr, dst.length); buf != nil && data != nil {
					copy(buf, data)
				}
				wr.total++
				if !dst.irqDisable {
					e.msiVector |= 1 << wr.irqBit
					fired = true
				}
			}
		}
	}

	e.mu.Unlock()

	if fired {
		select {
		case e.irqC <- struct{}{}:
		default:
		}
	}
}

// Wait implements litepcie.IRQSource.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.irqC:
		return nil
	}
}
