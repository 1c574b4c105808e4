//go:build linux

package vmm

import (
	"github.com/c35s/kvmctl/kvm"
	"golang.org/x/sys/unix"
)

// Backend is the device side of KVM: the ioctls issued against /dev/kvm.
// OpenBackend returns the real one. Package vmmtest has a scripted one.
type Backend interface {
	APIVersion() (int, error)
	CheckExtension(cap kvm.Cap) (int, error)
	VCPUMmapSize() (int, error)
	SupportedCPUID() ([]kvm.CPUIDEntry2, error)
	CreateVM() (VMBackend, error)
	Close() error
}

// VMBackend is the ioctl surface of a VM file.
type VMBackend interface {
	SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error
	CreateIRQChip() error
	CreatePIT2(cfg *kvm.PITConfig) error
	SetTSSAddr(addr uint64) error
	CreateVCPU(id int) (VCPUBackend, error)
	Close() error
}

// VCPUBackend is the ioctl surface of a VCPU file, plus its shared run state.
// The slice returned by MapState must begin with a kvm.VCPUState.
type VCPUBackend interface {
	MapState(size int) ([]byte, error)
	UnmapState(mm []byte) error
	Run() error
	GetRegs(regs *kvm.Regs) error
	SetRegs(regs *kvm.Regs) error
	GetSregs(sregs *kvm.Sregs) error
	SetSregs(sregs *kvm.Sregs) error
	SetMSRs(entries []kvm.MSREntry) error
	SetCPUID2(entries []kvm.CPUIDEntry2) error
	Close() error
}

// OpenBackend opens the KVM device node at path.
func OpenBackend(path string) (Backend, error) {
	sys, err := kvm.OpenPath(path)
	if err != nil {
		return nil, err
	}

	return &kvmBackend{sys: sys}, nil
}

type kvmBackend struct {
	sys *kvm.System
}

func (b *kvmBackend) APIVersion() (int, error) {
	return kvm.GetAPIVersion(b.sys)
}

func (b *kvmBackend) CheckExtension(cap kvm.Cap) (int, error) {
	return kvm.CheckExtension(b.sys, cap)
}

func (b *kvmBackend) VCPUMmapSize() (int, error) {
	return kvm.GetVCPUMmapSize(b.sys)
}

func (b *kvmBackend) SupportedCPUID() ([]kvm.CPUIDEntry2, error) {
	return kvm.GetSupportedCPUID(b.sys)
}

func (b *kvmBackend) CreateVM() (VMBackend, error) {
	vm, err := kvm.CreateVM(b.sys)
	if err != nil {
		return nil, err
	}

	return &kvmVM{vm: vm}, nil
}

func (b *kvmBackend) Close() error {
	return b.sys.Close()
}

type kvmVM struct {
	vm *kvm.VM
}

func (v *kvmVM) SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error {
	return kvm.SetUserMemoryRegion(v.vm, region)
}

func (v *kvmVM) CreateIRQChip() error {
	return kvm.CreateIRQChip(v.vm)
}

func (v *kvmVM) CreatePIT2(cfg *kvm.PITConfig) error {
	return kvm.CreatePIT2(v.vm, cfg)
}

func (v *kvmVM) SetTSSAddr(addr uint64) error {
	return kvm.SetTSSAddr(v.vm, addr)
}

func (v *kvmVM) CreateVCPU(id int) (VCPUBackend, error) {
	vcpu, err := kvm.CreateVCPU(v.vm, id)
	if err != nil {
		return nil, err
	}

	return &kvmVCPU{vcpu: vcpu}, nil
}

func (v *kvmVM) Close() error {
	return v.vm.Close()
}

type kvmVCPU struct {
	vcpu *kvm.VCPU
}

func (c *kvmVCPU) MapState(size int) ([]byte, error) {
	return unix.Mmap(int(c.vcpu.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (c *kvmVCPU) UnmapState(mm []byte) error {
	return unix.Munmap(mm)
}

func (c *kvmVCPU) Run() error {
	return kvm.Run(c.vcpu)
}

func (c *kvmVCPU) GetRegs(regs *kvm.Regs) error {
	return kvm.GetRegs(c.vcpu, regs)
}

func (c *kvmVCPU) SetRegs(regs *kvm.Regs) error {
	return kvm.SetRegs(c.vcpu, regs)
}

func (c *kvmVCPU) GetSregs(sregs *kvm.Sregs) error {
	return kvm.GetSregs(c.vcpu, sregs)
}

func (c *kvmVCPU) SetSregs(sregs *kvm.Sregs) error {
	return kvm.SetSregs(c.vcpu, sregs)
}

func (c *kvmVCPU) SetMSRs(entries []kvm.MSREntry) error {
	return kvm.SetMSRs(c.vcpu, entries)
}

func (c *kvmVCPU) SetCPUID2(entries []kvm.CPUIDEntry2) error {
	return kvm.SetCPUID2(c.vcpu, entries)
}

func (c *kvmVCPU) Close() error {
	return c.vcpu.Close()
}
