//go:build linux

// Package kvm is a thin binding of the Linux KVM ioctl API. Its structures
// have the same layouts as their C counterparts in <linux/kvm.h>, and its
// functions return the raw errno on failure.
package kvm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevicePath is the standard location of the KVM device node.
const DevicePath = "/dev/kvm"

// StableAPIVersion is the only KVM_GET_API_VERSION result this package
// understands. It hasn't changed since Linux 2.6.22.
const StableAPIVersion = 12

// Handle is anything with a file descriptor that accepts KVM ioctls.
// *System, *VM, and *VCPU are handles.
type Handle interface {
	Fd() uintptr
}

// System is an open KVM device node.
type System struct {
	*os.File
}

// VM is a KVM virtual machine file.
type VM struct {
	*os.File
}

// VCPU is a KVM virtual CPU file.
type VCPU struct {
	*os.File
}

// MemFlag is a KVM_SET_USER_MEMORY_REGION flag.
type MemFlag uint32

const (
	MemLogDirtyPages = MemFlag(1 << 0) // KVM_MEM_LOG_DIRTY_PAGES
	MemReadonly      = MemFlag(1 << 1) // KVM_MEM_READONLY
)

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         MemFlag
	GuestPhysAddr uint64
	MemorySize    uint64 // bytes
	UserspaceAddr uint64 // start of the userspace allocated memory
}

// PITConfig has the same layout as the C struct kvm_pit_config.
type PITConfig struct {
	Flags uint32
	_     [15]uint32
}

// PITSpeakerDummy asks CreatePIT2 to emulate a dummy speaker port.
const PITSpeakerDummy = 1 // KVM_PIT_SPEAKER_DUMMY

// Open opens the KVM device node at DevicePath.
func Open() (*System, error) {
	return OpenPath(DevicePath)
}

// OpenPath opens the KVM device node at path.
func OpenPath(path string) (*System, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	return &System{f}, nil
}

// GetAPIVersion returns the KVM API version. The result should always be
// StableAPIVersion.
func GetAPIVersion(sys *System) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CheckExtension returns the value of the given capability. Zero means the
// extension is unsupported; most supported extensions return 1. The handle is
// usually a *System, but a *VM works too if CapCheckExtensionVM is supported.
func CheckExtension(h Handle, cap Cap) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, h.Fd(), kCheckExtension, uintptr(cap))
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// GetVCPUMmapSize returns the size of the shared memory region used to
// communicate with a VCPU. The region is mmaped from the VCPU's fd, and
// begins with a VCPUState.
func GetVCPUMmapSize(sys *System) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(r), nil
}

// CreateVM creates a new VM with no VCPUs and no memory.
func CreateVM(sys *System) (*VM, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, 0)
	if errno != 0 {
		return nil, errno
	}

	return &VM{os.NewFile(r, "kvm-vm")}, nil
}

// SetUserMemoryRegion creates, modifies, or deletes a guest physical memory
// slot. Setting MemorySize to 0 deletes the slot.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// CreateIRQChip creates an in-kernel interrupt controller model. On x86 it
// is an IOAPIC plus two PICs, and a local APIC for each future VCPU.
// Once it exists, HLT no longer exits to userspace.
func CreateIRQChip(vm *VM) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateIRQChip, 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// CreatePIT2 "Creates an in-kernel device model for the i8254 PIT. This call is only valid
// after enabling in-kernel irqchip support via KVM_CREATE_IRQCHIP."
//
// This ioctl is available if CheckExtension(CapPIT2) returns 1.
func CreatePIT2(vm *VM, cfg *PITConfig) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreatePIT2, uintptr(unsafe.Pointer(cfg)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetTSSAddr "defines the physical address of a three-page region in the guest physical
// address space. The region must be within the first 4GB of the guest physical address
// space and must not conflict with any memory slot or any mmio address."
//
// This ioctl is available if CheckExtension(CapSetTSSAddr) returns 1.
func SetTSSAddr(vm *VM, addr uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetTSSAddr, uintptr(addr))
	if errno != 0 {
		return errno
	}

	return nil
}

// CreateVCPU adds a VCPU with the given id to the VM. Ids start at 0 and must be
// unique within the VM.
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(id))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{os.NewFile(r, "kvm-vcpu")}, nil
}

// Run runs the VCPU until it exits. The exit reason and its data are written
// to the VCPU's mmaped VCPUState. Run returns EINTR if a signal arrived or
// ImmediateExit was set.
func Run(vcpu *VCPU) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}
