// Package mmio provides 32-bit little-endian register access into a
// memory-mapped control/status window. All accesses are bounds-checked
// and go through sync/atomic so the compiler can neither elide nor
// reorder them, which is what register-plane semantics require.
package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Bus is the register plane consumed by the rest of the system: 32-bit
// reads and writes at byte offsets from the start of the window. Offsets
// must be 4-byte aligned and inside the window; violating either is a
// programming error and panics.
type Bus interface {
	ReadU32(off uint32) uint32
	WriteU32(off uint32, v uint32)
}

func checkOffset(off uint32, size int) {
	if off%4 != 0 {
		panic(fmt.Sprintf("mmio: misaligned register offset 0x%x", off))
	}
	if int(off)+4 > size {
		panic(fmt.Sprintf("mmio: register offset 0x%x outside %d byte window", off, size))
	}
}

func loadU32(mem []byte, off uint32) uint32 {
	checkOffset(off, len(mem))
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

func storeU32(mem []byte, off uint32, v uint32) {
	checkOffset(off, len(mem))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), v)
}

// Region is a Bus backed by a mapping of a PCI resource file, typically
// /sys/bus/pci/devices/<bdf>/resource0. The registers behind it are
// little-endian; so is every host this library targets.
type Region struct {
	mem []byte
	f   *os.File
}

// MapResource opens and maps the whole of the given resource file.
func MapResource(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open BAR resource: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat BAR resource: %w", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("map BAR resource: %w", err)
	}

	return &Region{mem: mem, f: f}, nil
}

// Size returns the length of the mapped window in bytes.
func (r *Region) Size() int { return len(r.mem) }

func (r *Region) ReadU32(off uint32) uint32 { return loadU32(r.mem, off) }

func (r *Region) WriteU32(off uint32, v uint32) { storeU32(r.mem, off, v) }

// Close unmaps the window. The Region must not be used afterwards; a
// late register access into freed state is exactly the failure mode the
// device teardown ordering exists to prevent.
func (r *Region) Close() error {
	var errs []error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmap BAR resource: %w", err))
		}
		r.mem = nil
	}
	if r.f != nil {
		if err := r.f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close BAR resource: %w", err))
		}
		r.f = nil
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Mem is a Bus over plain allocated memory. It backs simulated devices
// and tests; the access rules are identical to Region.
type Mem struct {
	mem []byte
}

// NewMem returns a zeroed register window of the given size.
func NewMem(size int) *Mem {
	return &Mem{mem: make([]byte, size)}
}

func (m *Mem) ReadU32(off uint32) uint32 { return loadU32(m.mem, off) }

func (m *Mem) WriteU32(off uint32, v uint32) { storeU32(m.mem, off, v) }
