//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/c35s/kvmctl/kvm"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// VM is a KVM virtual machine. Its memory regions and VCPUs must all be
// added before any VCPU runs.
type VM struct {
	dev *Device
	b   VMBackend

	mu      sync.Mutex
	regions []*MemoryRegion // by slot
	vcpus   map[int]*VCPU
	running int  // VCPUs inside Run or a Dispatcher loop
	sealed  bool // a VCPU has run
	closed  bool
}

var (
	_ io.ReaderAt = (*VM)(nil)
	_ io.WriterAt = (*VM)(nil)
)

// AttachMemory registers r with the VM at the next free slot. The region
// must not overlap any region already attached, and can't be attached after
// a VCPU has run. On success the VM owns r and unmaps it when the VM is
// closed.
func (vm *VM) AttachMemory(r *MemoryRegion) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return ErrClosed
	}

	if vm.sealed {
		return fmt.Errorf("%w: %v: can't attach memory after a VCPU has run", ErrInvalidRegion, r)
	}

	for _, o := range vm.regions {
		if r == o {
			return fmt.Errorf("%w: %v is already attached to slot %d", ErrInvalidRegion, r, o.Slot())
		}

		if r.overlaps(o) {
			return fmt.Errorf("%w: %v overlaps slot %d %v", ErrInvalidRegion, r, o.Slot(), o)
		}
	}

	slot := len(vm.regions)
	desc, err := r.attach(vm, slot)
	if err != nil {
		return err
	}

	if err := vm.b.SetUserMemoryRegion(&desc); err != nil {
		r.detach()

		if errors.Is(err, unix.EEXIST) || errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%w: slot %d %v: %w", ErrInvalidRegion, slot, r, err)
		}

		return kernelError(err, ErrKernelRejected)
	}

	vm.regions = append(vm.regions, r)
	vm.dev.logger().Debug("attached memory", "slot", slot, "region", r.String())

	return nil
}

// Regions returns the attached memory regions ordered by slot.
func (vm *VM) Regions() []*MemoryRegion {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]*MemoryRegion(nil), vm.regions...)
}

// CreateVCPU creates a VCPU with the given id and maps its run state. Ids
// start at 0 and must be unique within the VM.
func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return nil, ErrClosed
	}

	if vm.sealed {
		return nil, fmt.Errorf("%w: can't create a VCPU after a VCPU has run", ErrBusy)
	}

	if id < 0 {
		return nil, fmt.Errorf("%w: invalid VCPU id %d", ErrResourceExhausted, id)
	}

	if _, ok := vm.vcpus[id]; ok {
		return nil, fmt.Errorf("%w: VCPU %d already exists", ErrResourceExhausted, id)
	}

	mmsz, err := vm.dev.VCPUMmapSize()
	if err != nil {
		return nil, err
	}

	b, err := vm.b.CreateVCPU(id)
	if err != nil {
		return nil, fmt.Errorf("VCPU %d: %w", id, kernelError(err, ErrResourceExhausted))
	}

	mm, err := b.MapState(mmsz)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("VCPU %d: map run state: %w", id, kernelError(err, ErrResourceExhausted))
	}

	c := &VCPU{
		vm: vm,
		id: id,
		b:  b,
		mm: mm,
	}

	vm.vcpus[id] = c
	vm.dev.logger().Debug("created VCPU", "vcpu", id)

	return c, nil
}

// VCPUs returns the VM's VCPUs ordered by id.
func (vm *VM) VCPUs() []*VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.vcpusLocked()
}

func (vm *VM) vcpusLocked() []*VCPU {
	cc := make([]*VCPU, 0, len(vm.vcpus))
	for _, c := range vm.vcpus {
		cc = append(cc, c)
	}

	sort.Slice(cc, func(i, j int) bool { return cc[i].id < cc[j].id })
	return cc
}

// CreateIRQChip creates the in-kernel interrupt controllers. Once they
// exist, HLT is handled by the kernel and no longer exits.
func (vm *VM) CreateIRQChip() error {
	if err := vm.usable(); err != nil {
		return err
	}

	if err := vm.b.CreateIRQChip(); err != nil {
		return kernelError(err, ErrKernelRejected)
	}

	return nil
}

// CreatePIT2 creates the in-kernel i8254 timer. It requires an irqchip.
func (vm *VM) CreatePIT2(cfg *kvm.PITConfig) error {
	if err := vm.usable(); err != nil {
		return err
	}

	if err := vm.b.CreatePIT2(cfg); err != nil {
		return kernelError(err, ErrKernelRejected)
	}

	return nil
}

// SetTSSAddr places the three-page region Intel hosts need to run real-mode
// guest code.
func (vm *VM) SetTSSAddr(addr uint64) error {
	if err := vm.usable(); err != nil {
		return err
	}

	if err := vm.b.SetTSSAddr(addr); err != nil {
		return kernelError(err, ErrKernelRejected)
	}

	return nil
}

// ReadAt reads guest physical memory starting at gpa. The range may span
// adjacent regions. If it leaves mapped memory, ReadAt returns the number of
// bytes read and ErrInvalidRegion.
func (vm *VM) ReadAt(p []byte, gpa int64) (int, error) {
	return vm.access(p, gpa, (*MemoryRegion).ReadAt)
}

// WriteAt writes guest physical memory starting at gpa, like ReadAt.
func (vm *VM) WriteAt(p []byte, gpa int64) (int, error) {
	return vm.access(p, gpa, (*MemoryRegion).WriteAt)
}

func (vm *VM) access(p []byte, gpa int64, fn func(*MemoryRegion, []byte, int64) (int, error)) (n int, err error) {
	if gpa < 0 {
		return 0, fmt.Errorf("%w: negative address %d", ErrInvalidRegion, gpa)
	}

	regions := vm.Regions()

	for n < len(p) {
		addr := uint64(gpa) + uint64(n)

		var r *MemoryRegion
		for _, rr := range regions {
			if rr.Contains(addr, 1) {
				r = rr
				break
			}
		}

		if r == nil {
			return n, fmt.Errorf("%w: guest physical address %#x is not mapped", ErrInvalidRegion, addr)
		}

		chunk := p[n:]
		if avail := r.End() - addr; uint64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}

		m, err := fn(r, chunk, int64(addr))
		n += m

		if err != nil {
			return n, err
		}
	}

	return n, nil
}

// Close closes the VM and everything it owns: first its VCPUs, highest id
// first, then the VM file, then its memory regions, highest slot first.
// Close fails with ErrBusy if a VCPU is running. Close is idempotent.
func (vm *VM) Close() error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return nil
	}

	if n := vm.running; n > 0 {
		vm.mu.Unlock()
		return fmt.Errorf("%w: can't close a VM with %d running VCPUs", ErrBusy, n)
	}

	vm.closed = true
	vcpus := vm.vcpusLocked()
	for _, c := range vcpus {
		c.closed = true
	}

	regions := vm.regions
	vm.vcpus = nil
	vm.mu.Unlock()

	var errs *multierror.Error

	for i := len(vcpus) - 1; i >= 0; i-- {
		if err := vcpus[i].release(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("VCPU %d: %w", vcpus[i].id, err))
		}
	}

	if err := vm.b.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("VM: %w", err))
	}

	for i := len(regions) - 1; i >= 0; i-- {
		if err := regions[i].release(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("slot %d: %w", i, err))
		}
	}

	vm.dev.forget(vm)
	vm.dev.logger().Debug("closed VM", "vcpus", len(vcpus), "regions", len(regions))

	return errs.ErrorOrNil()
}

func (vm *VM) usable() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return ErrClosed
	}

	return nil
}

// enter marks c as running and seals the VM's topology.
func (vm *VM) enter(c *VCPU) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed || c.closed {
		return ErrClosed
	}

	vm.sealed = true
	vm.running++
	c.active++

	return nil
}

func (vm *VM) leave(c *VCPU) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.running--
	c.active--
}

// forget removes a closed VCPU from the VM.
func (vm *VM) forget(c *VCPU) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if c.active > 0 {
		return ErrBusy
	}

	if vm.vcpus[c.id] == c {
		delete(vm.vcpus, c.id)
	}

	c.closed = true
	return nil
}
