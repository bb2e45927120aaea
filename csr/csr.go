// Package csr describes the control/status register map of the LitePCIe
// core as seen through BAR0. Offsets are byte offsets from the start of
// the BAR. The per-channel DMA layout is fixed per hardware generation;
// the channel base addresses themselves come from configuration.
package csr

// Global registers.
const (
	CtrlReset = 0x0000 // write 1 to reset the core

	// IdentifierMemBase is the start of the identification string, one
	// ASCII byte in the low byte of each of IdentifierMemWords registers.
	IdentifierMemBase  = 0x0800
	IdentifierMemWords = 256

	MSIEnable = 0x2000 // bitmask of enabled interrupt sources
	MSIClear  = 0x2004 // write 1 bits to acknowledge at the source
	MSIVector = 0x2008 // bitmask of fired, unacknowledged sources
)

// DMAChannelStride is the distance between consecutive per-channel DMA
// register blocks when channel bases are derived rather than configured.
const DMAChannelStride = 0x40

// DefaultDMA0Base is the register base of the first DMA channel.
const DefaultDMA0Base = 0x2400

// DirRegs holds the register offsets of one DMA direction, relative to
// the owning channel's base address.
type DirRegs struct {
	Enable          uint32 // 1 starts the engine, 0 stops it
	TableValue      uint32 // descriptor low word; +4 holds the address LSB
	TableWE         uint32 // write strobe, carries the address MSB
	TableLoopProgN  uint32 // 1 commits the table as a closed loop
	TableLoopStatus uint32 // packed progress: loops<<16 | index
	TableFlush      uint32 // write 1 to discard in-flight table state
}

// Writer is the device-to-host direction, Reader is host-to-device.
// The writer block sits first within a channel, the reader follows.
var (
	Writer = DirRegs{
		Enable:          0x00,
		TableValue:      0x04,
		TableWE:         0x0c,
		TableLoopProgN:  0x10,
		TableLoopStatus: 0x14,
		TableFlush:      0x18,
	}
	Reader = DirRegs{
		Enable:          0x20,
		TableValue:      0x24,
		TableWE:         0x2c,
		TableLoopProgN:  0x30,
		TableLoopStatus: 0x34,
		TableFlush:      0x38,
	}
)

// Descriptor low-word flags. The low 24 bits carry the transfer length.
const (
	DescIRQDisable  = 1 << 24 // suppress the completion interrupt for this slot
	DescLastDisable = 1 << 25 // do not raise the "last" signal on this slot
)

// LoopStatus packing. The hardware reports progress as a 32-bit value with
// the completed loop-iteration count in the high half and the index within
// the current iteration in the low half.
const (
	LoopCountShift = 16
	LoopIndexMask  = 0xffff
)

// LoopStatus builds a raw loop-status word from an iteration count and an
// in-loop index. Mostly useful for simulation and tests.
func LoopStatus(loops, index uint32) uint32 {
	return loops<<LoopCountShift | index&LoopIndexMask
}

// LoopCount extracts the completed-iterations half of a raw status word.
func LoopCount(status uint32) uint32 { return status >> LoopCountShift }

// LoopIndex extracts the in-loop index half of a raw status word.
func LoopIndex(status uint32) uint32 { return status & LoopIndexMask }
