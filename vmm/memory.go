//go:build linux

package vmm

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/c35s/kvmctl/kvm"
	"github.com/docker/go-units"
	"github.com/pbnjay/memory"
	"golang.org/x/sys/unix"
)

// MemoryRegion is a host mapping that backs a contiguous range of guest
// physical memory. Once attached to a VM, the region belongs to the VM and
// is unmapped only after the VM is closed.
type MemoryRegion struct {
	gpa   uint64
	size  int
	flags kvm.MemFlag

	mu     sync.Mutex
	mem    []byte
	vm     *VM
	slot   int
	closed bool
}

// NewMemoryRegion maps size bytes of zeroed anonymous memory to back guest
// physical addresses [gpa, gpa+size). Both gpa and size must be multiples
// of the host page size.
func NewMemoryRegion(gpa uint64, size int, flags kvm.MemFlag) (*MemoryRegion, error) {
	pgsz := os.Getpagesize()

	if size <= 0 || size%pgsz != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of the page size (%d)", ErrInvalidRegion, size, pgsz)
	}

	if gpa%uint64(pgsz) != 0 {
		return nil, fmt.Errorf("%w: guest physical address %#x is not page aligned", ErrInvalidRegion, gpa)
	}

	if gpa+uint64(size) < gpa {
		return nil, fmt.Errorf("%w: [%#x, +%#x) overflows the address space", ErrInvalidRegion, gpa, size)
	}

	if total := memory.TotalMemory(); total > 0 && uint64(size) > total {
		return nil, fmt.Errorf("%w: %s is more than the host's %s",
			ErrOutOfMemory, units.BytesSize(float64(size)), units.BytesSize(float64(total)))
	}

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %w", ErrOutOfMemory, units.BytesSize(float64(size)), err)
	}

	r := &MemoryRegion{
		gpa:   gpa,
		size:  size,
		flags: flags,
		mem:   mem,
		slot:  -1,
	}

	return r, nil
}

// GuestPhysAddr returns the first guest physical address backed by the region.
func (r *MemoryRegion) GuestPhysAddr() uint64 { return r.gpa }

// Size returns the size of the region in bytes.
func (r *MemoryRegion) Size() int { return r.size }

// Flags returns the flags the region is attached with.
func (r *MemoryRegion) Flags() kvm.MemFlag { return r.flags }

// End returns the first guest physical address after the region.
func (r *MemoryRegion) End() uint64 { return r.gpa + uint64(r.size) }

// Slot returns the region's slot in its VM, or -1 if it was never attached.
func (r *MemoryRegion) Slot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slot
}

// Bytes returns the region's memory. The slice's length and capacity are both
// the region's size; byte i is guest physical address GuestPhysAddr()+i.
// Bytes returns nil after the region is unmapped. The slice aliases the
// mapping, so callers must be done with it before the region or its VM is
// closed; ReadAt and WriteAt have no such restriction.
func (r *MemoryRegion) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil
	}

	return r.mem[:r.size:r.size]
}

// Contains reports whether [gpa, gpa+n) lies within the region.
func (r *MemoryRegion) Contains(gpa uint64, n int) bool {
	if n < 0 || gpa < r.gpa {
		return false
	}

	off := gpa - r.gpa
	return off <= uint64(r.size) && uint64(n) <= uint64(r.size)-off
}

// ReadAt reads len(p) bytes starting at guest physical address gpa.
func (r *MemoryRegion) ReadAt(p []byte, gpa int64) (int, error) {
	return r.access(gpa, len(p), func(mem []byte) int {
		return copy(p, mem)
	})
}

// WriteAt writes p starting at guest physical address gpa.
func (r *MemoryRegion) WriteAt(p []byte, gpa int64) (int, error) {
	return r.access(gpa, len(p), func(mem []byte) int {
		return copy(mem, p)
	})
}

// access calls fn with the n bytes at gpa. The mapping can't be unmapped
// until fn returns.
func (r *MemoryRegion) access(gpa int64, n int, fn func(mem []byte) int) (int, error) {
	if gpa < 0 || !r.Contains(uint64(gpa), n) {
		return 0, fmt.Errorf("%w: [%#x, +%#x) is outside %v", ErrInvalidRegion, gpa, n, r)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return 0, ErrClosed
	}

	off := uint64(gpa) - r.gpa
	return fn(r.mem[off : off+uint64(n)]), nil
}

func (r *MemoryRegion) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", r.gpa, r.End(), units.BytesSize(float64(r.size)))
}

// Close unmaps a region that was never attached to a VM. An attached region
// is unmapped by its VM, so Close returns ErrRegionAttached.
func (r *MemoryRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.vm != nil {
		return ErrRegionAttached
	}

	return r.unmapLocked()
}

func (r *MemoryRegion) overlaps(o *MemoryRegion) bool {
	return r.gpa < o.End() && o.gpa < r.End()
}

// attach claims the region for vm. The caller holds vm.mu.
func (r *MemoryRegion) attach(vm *VM, slot int) (kvm.UserspaceMemoryRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.closed:
		return kvm.UserspaceMemoryRegion{}, fmt.Errorf("%w: %v is closed", ErrInvalidRegion, r)

	case r.vm != nil:
		return kvm.UserspaceMemoryRegion{}, fmt.Errorf("%w: %v is already attached to slot %d", ErrInvalidRegion, r, r.slot)
	}

	r.vm = vm
	r.slot = slot

	desc := kvm.UserspaceMemoryRegion{
		Slot:          uint32(slot),
		Flags:         r.flags,
		GuestPhysAddr: r.gpa,
		MemorySize:    uint64(r.size),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&r.mem[0]))),
	}

	return desc, nil
}

// detach undoes a failed attach.
func (r *MemoryRegion) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vm = nil
	r.slot = -1
}

// release unmaps an attached region after its VM is gone.
func (r *MemoryRegion) release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vm = nil
	return r.unmapLocked()
}

func (r *MemoryRegion) unmapLocked() error {
	if r.closed {
		return nil
	}

	r.closed = true
	mem := r.mem
	r.mem = nil

	return unix.Munmap(mem)
}
