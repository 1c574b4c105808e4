//go:build linux

// Package vmmtest provides a scripted stand-in for /dev/kvm. It behaves
// enough like the kernel for package vmm's handles and run loop to be tested
// without hardware: VCPUs play back a script of exits, and the backend
// records when each file is unmapped and closed.
package vmmtest

import (
	"fmt"
	"sync"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
	"golang.org/x/sys/unix"
)

// Backend is a fake KVM device. The zero value is a well-behaved device
// with the stable API version and every capability.
type Backend struct {

	// Version is the reported API version. Zero means kvm.StableAPIVersion.
	Version int

	// MmapSize is the reported VCPU mmap size. Zero means 0x3000.
	MmapSize int

	// Caps overrides capability values. Missing capabilities report 1.
	Caps map[kvm.Cap]int

	// MaxVCPUs limits VCPUs per VM. Zero means no limit.
	MaxVCPUs int

	// CPUID is returned by SupportedCPUID.
	CPUID []kvm.CPUIDEntry2

	// Script returns the exits VCPU id plays back. Once a VCPU runs out of
	// steps, it shuts down.
	Script func(id int) []Step

	// Errs makes the named ioctl fail, e.g. "KVM_CREATE_VCPU". The VCPU
	// state mapping is named "mmap".
	Errs map[string]error

	mu     sync.Mutex
	vms    []*VM
	events []string
	closed bool
}

var _ vmm.Backend = (*Backend)(nil)

// ioDataOffset is where IO exits put their data, one page into the run
// state, as the kernel does.
const ioDataOffset = 0x1000

func (b *Backend) APIVersion() (int, error) {
	if err := b.check("KVM_GET_API_VERSION"); err != nil {
		return 0, err
	}

	if b.Version == 0 {
		return kvm.StableAPIVersion, nil
	}

	return b.Version, nil
}

func (b *Backend) CheckExtension(cap kvm.Cap) (int, error) {
	if err := b.check("KVM_CHECK_EXTENSION"); err != nil {
		return 0, err
	}

	if v, ok := b.Caps[cap]; ok {
		return v, nil
	}

	return 1, nil
}

func (b *Backend) VCPUMmapSize() (int, error) {
	if err := b.check("KVM_GET_VCPU_MMAP_SIZE"); err != nil {
		return 0, err
	}

	if b.MmapSize == 0 {
		return 0x3000, nil
	}

	return b.MmapSize, nil
}

func (b *Backend) SupportedCPUID() ([]kvm.CPUIDEntry2, error) {
	if err := b.check("KVM_GET_SUPPORTED_CPUID"); err != nil {
		return nil, err
	}

	return append([]kvm.CPUIDEntry2(nil), b.CPUID...), nil
}

func (b *Backend) CreateVM() (vmm.VMBackend, error) {
	if err := b.check("KVM_CREATE_VM"); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	vm := &VM{
		b:     b,
		id:    len(b.vms),
		vcpus: make(map[int]*VCPU),
	}

	b.vms = append(b.vms, vm)
	return vm, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return unix.EBADF
	}

	b.closed = true
	b.events = append(b.events, "close device")

	return nil
}

// VM returns the i'th VM created by the backend.
func (b *Backend) VM(i int) *VM {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vms[i]
}

// Events returns the backend's unmap and close events in the order they
// happened, e.g. "unmap vcpu 0", "close vcpu 0", "close vm 0".
func (b *Backend) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// Closed reports whether the device was closed.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) event(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, fmt.Sprintf(format, args...))
}

// check returns the injected error for the named ioctl, or EBADF if the
// device is closed.
func (b *Backend) check(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return unix.EBADF
	}

	return b.Errs[name]
}

// VM is a fake VM file.
type VM struct {
	b  *Backend
	id int

	mu      sync.Mutex
	regions []kvm.UserspaceMemoryRegion
	vcpus   map[int]*VCPU
	irqchip bool
	pit     bool
	tss     uint64
	closed  bool
}

var _ vmm.VMBackend = (*VM)(nil)

func (vm *VM) check(name string) error {
	vm.mu.Lock()
	closed := vm.closed
	vm.mu.Unlock()

	if closed {
		return unix.EBADF
	}

	return vm.b.check(name)
}

// SetUserMemoryRegion records the region. Like the kernel, it fails with
// EEXIST if the region overlaps a different slot.
func (vm *VM) SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error {
	if err := vm.check("KVM_SET_USER_MEMORY_REGION"); err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if region.UserspaceAddr == 0 {
		return unix.EINVAL
	}

	end := region.GuestPhysAddr + region.MemorySize
	for i, r := range vm.regions {
		if r.Slot == region.Slot {
			vm.regions[i] = *region
			return nil
		}

		if region.GuestPhysAddr < r.GuestPhysAddr+r.MemorySize && r.GuestPhysAddr < end {
			return unix.EEXIST
		}
	}

	vm.regions = append(vm.regions, *region)
	return nil
}

func (vm *VM) CreateIRQChip() error {
	if err := vm.check("KVM_CREATE_IRQCHIP"); err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.irqchip {
		return unix.EEXIST
	}

	vm.irqchip = true
	return nil
}

func (vm *VM) CreatePIT2(cfg *kvm.PITConfig) error {
	if err := vm.check("KVM_CREATE_PIT2"); err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if !vm.irqchip {
		return unix.ENOENT
	}

	vm.pit = true
	return nil
}

func (vm *VM) SetTSSAddr(addr uint64) error {
	if err := vm.check("KVM_SET_TSS_ADDR"); err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.tss = addr
	return nil
}

// CreateVCPU fails with EEXIST for a duplicate id and EINVAL past MaxVCPUs.
func (vm *VM) CreateVCPU(id int) (vmm.VCPUBackend, error) {
	if err := vm.check("KVM_CREATE_VCPU"); err != nil {
		return nil, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if _, ok := vm.vcpus[id]; ok {
		return nil, unix.EEXIST
	}

	if n := vm.b.MaxVCPUs; n > 0 && len(vm.vcpus) >= n {
		return nil, unix.EINVAL
	}

	c := &VCPU{
		vm:    vm,
		id:    id,
		regs:  resetRegs,
		sregs: resetSregs,
	}

	if vm.b.Script != nil {
		c.script = vm.b.Script(id)
	}

	vm.vcpus[id] = c
	return c, nil
}

func (vm *VM) Close() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return unix.EBADF
	}

	vm.closed = true
	vm.b.event("close vm %d", vm.id)

	return nil
}

// VCPU returns the VCPU with the given id, or nil.
func (vm *VM) VCPU(id int) *VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.vcpus[id]
}

// Regions returns the memory regions as the kernel would see them, in the
// order they were first set.
func (vm *VM) Regions() []kvm.UserspaceMemoryRegion {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]kvm.UserspaceMemoryRegion(nil), vm.regions...)
}

// IRQChip reports whether the in-kernel irqchip and PIT were created.
func (vm *VM) IRQChip() (irqchip, pit bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.irqchip, vm.pit
}

// TSSAddr returns the address given to SetTSSAddr.
func (vm *VM) TSSAddr() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.tss
}

// Closed reports whether the VM file was closed.
func (vm *VM) Closed() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.closed
}
