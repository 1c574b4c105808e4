//go:build linux

// Package arch holds the architecture-specific parts of VM setup: which KVM
// extensions are required, how guest memory is laid out, and how VMs and
// VCPUs are configured before they run.
package arch

import (
	"fmt"

	"github.com/c35s/kvmctl/kvm"
)

var archCaps = []kvm.Cap{
	kvm.CapExtCPUID,
	kvm.CapSetTSSAddr,
}

// CPUIDSource supplies the CPUID entries given to each VCPU.
type CPUIDSource interface {
	SupportedCPUID() ([]kvm.CPUIDEntry2, error)
}

// VM is the part of a VM that SetupVM configures.
type VM interface {
	SetTSSAddr(addr uint64) error
	CreateIRQChip() error
	CreatePIT2(cfg *kvm.PITConfig) error
}

// VCPU is the part of a VCPU that SetupVCPU configures.
type VCPU interface {
	SetCPUID2(entries []kvm.CPUIDEntry2) error
	SetMSRs(entries []kvm.MSREntry) error
}

// Range is a span of guest physical memory to be backed by one region.
type Range struct {
	GuestPhysAddr uint64
	Size          int
}

// Arch is the default amd64 setup.
type Arch struct {
	supportedCPUID []kvm.CPUIDEntry2

	// IRQChip makes SetupVM create the in-kernel PIC, IOAPIC, LAPICs, and
	// PIT. With an irqchip, HLT is handled in the kernel and no longer
	// exits to userspace.
	IRQChip bool
}

const (
	MMIOHoleAddr      = 0x0d0000000
	AfterMMIOHoleAddr = 0x100000000

	// TSSAddr is just below the 4G boundary, where it can't collide with
	// guest memory or the MMIO hole.
	TSSAddr = 0xfffbd000
)

func New(dev CPUIDSource) (*Arch, error) {
	supp, err := dev.SupportedCPUID()
	if err != nil {
		return nil, err
	}

	a := Arch{
		supportedCPUID: supp,
	}

	return &a, nil
}

// SetupVM sets the TSS address and, if IRQChip is set, creates the
// in-kernel interrupt controllers and timer.
func (a *Arch) SetupVM(vm VM) error {
	if err := vm.SetTSSAddr(TSSAddr); err != nil {
		return fmt.Errorf("set TSS addr: %w", err)
	}

	if !a.IRQChip {
		return nil
	}

	if err := vm.CreateIRQChip(); err != nil {
		return fmt.Errorf("create irqchip: %w", err)
	}

	if err := vm.CreatePIT2(&kvm.PITConfig{}); err != nil {
		return fmt.Errorf("create PIT: %w", err)
	}

	return nil
}

// SetupMemory partitions memSize bytes of guest memory into ranges. If the
// memory doesn't fit below MMIOHoleAddr, it's split in two, and the rest
// starts at AfterMMIOHoleAddr.
func (*Arch) SetupMemory(memSize int) ([]Range, error) {
	return MemoryLayout(memSize), nil
}

// MemoryLayout is the default partition used by SetupMemory.
func MemoryLayout(memSize int) []Range {
	if memSize <= MMIOHoleAddr {
		return []Range{{GuestPhysAddr: 0, Size: memSize}}
	}

	return []Range{
		{GuestPhysAddr: 0, Size: MMIOHoleAddr},
		{GuestPhysAddr: AfterMMIOHoleAddr, Size: memSize - MMIOHoleAddr},
	}
}

// SetupVCPU sets the VCPU's cpuid to the default cpuid supported by KVM.
func (a *Arch) SetupVCPU(id int, vcpu VCPU) error {
	if err := vcpu.SetCPUID2(a.supportedCPUID); err != nil {
		return fmt.Errorf("set cpuid: %w", err)
	}

	const msrIA32MiscEnable = 0x1a0
	const msrIA32MiscEnableFastString = 1 << 0
	msrs := []kvm.MSREntry{
		{
			Index: msrIA32MiscEnable,
			Data:  msrIA32MiscEnableFastString,
		},
	}

	if err := vcpu.SetMSRs(msrs); err != nil {
		return fmt.Errorf("set msrs: %w", err)
	}

	return nil
}
