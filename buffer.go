package litepcie

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Buffer is one physically addressed, host-mapped allocation. BusAddr is
// what descriptor tables are programmed with; Bytes is the host view used
// for copies. The ring slices a Buffer into equal fixed-size blocks.
type Buffer struct {
	Bytes   []byte
	BusAddr uint64
}

// BufferAllocator supplies the common buffers behind each ring. Real
// deployments back this with whatever pins memory and resolves bus
// addresses on their platform (VFIO, uio, hugepages); the library only
// cares that both views reference the same storage.
type BufferAllocator interface {
	Alloc(size int) (*Buffer, error)
	Free(*Buffer) error
}

// HostAllocator allocates anonymous page-aligned memory and reports the
// host-virtual address as the bus address. That is only correct where
// device addressing is identity-mapped onto process addresses, such as
// an IOMMU configured for iova=va, or a simulated engine. It also serves
// as the reference implementation of the allocator contract.
type HostAllocator struct{}

func (HostAllocator) Alloc(size int) (*Buffer, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocate DMA buffer: %w", err)
	}

	// Fault the pages in so the addresses are stable before they are
	// handed to the descriptor table.
	for i := 0; i < len(mem); i += unix.Getpagesize() {
		mem[i] = 0
	}

	return &Buffer{
		Bytes:   mem,
		BusAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}, nil
}

func (HostAllocator) Free(b *Buffer) error {
	if b == nil || b.Bytes == nil {
		return nil
	}
	if err := unix.Munmap(b.Bytes); err != nil {
		return fmt.Errorf("free DMA buffer: %w", err)
	}
	b.Bytes = nil
	return nil
}
