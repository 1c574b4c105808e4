//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Regs holds a VCPU's general-purpose registers.
// It has the same layout as the C struct kvm_regs.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFlags uint64
}

// Sregs holds a VCPU's special registers.
// It has the same layout as the C struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS  Segment
	TR, LDT                 Segment
	GDT, IDT                Dtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	APICBase                uint64
	InterruptBitmap         [((nrInterrupts + 63) / 64)]uint64
}

// Segment has the same layout as the C struct kvm_segment. The kernel keeps
// one byte per descriptor attribute; see AccessByte, Flags, and GDTEntry for
// the packed encodings.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Dtable has the same layout as the C struct kvm_dtable.
type Dtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// MSREntry has the same layout as the C struct kvm_msr_entry.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// CPUIDEntry2 has the same layout as the C struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const nrInterrupts = 256

// VCPUState has roughly the same layout as struct kvm_run.
type VCPUState struct {
	RequestInterruptWindow uint8 // in
	ImmediateExit          uint8 // in
	_                      [6]uint8

	ExitReason                 Exit  // out
	ReadyForInterruptInjection uint8 // out
	IFFlag                     uint8 // out
	Flags                      uint16
	CR8                        uint64
	APICBase                   uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// IOExitData is the result of a KVM_EXIT_IO vmexit. It has the same layout as the "io"
// member of the union of vmexit data in struct kvm_run. The data itself lives
// DataOffset bytes from the start of the mmaped VCPU state; it holds Count
// items of Size bytes each.
type IOExitData struct {
	Direction  IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// MMIOExitData is the result of a KVM_EXIT_MMIO vmexit. It has the same layout as the
// "mmio" member of the union of vmexit data in struct kvm_run.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]byte
}

// UnknownExitData is the "hw" member of the kvm_run exit union, reported with
// KVM_EXIT_UNKNOWN.
type UnknownExitData struct {
	HardwareExitReason uint64
}

// FailEntryExitData is the "fail_entry" member of the kvm_run exit union.
type FailEntryExitData struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
	_                          uint32
}

// InternalErrorExitData is the "internal" member of the kvm_run exit union.
type InternalErrorExitData struct {
	Suberror uint32
	NData    uint32
	Data     [16]uint64
}

// SystemEventExitData is the "system_event" member of the kvm_run exit union.
type SystemEventExitData struct {
	Type  uint32
	NData uint32
	Data  [16]uint64
}

// Internal error suberrors.
const (
	InternalErrorEmulation            = 1 // KVM_INTERNAL_ERROR_EMULATION
	InternalErrorSimulEx              = 2 // KVM_INTERNAL_ERROR_SIMUL_EX
	InternalErrorDeliveryEv           = 3 // KVM_INTERNAL_ERROR_DELIVERY_EV
	InternalErrorUnexpectedExitReason = 4 // KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON
)

// System event types.
const (
	SystemEventShutdown = 1 // KVM_SYSTEM_EVENT_SHUTDOWN
	SystemEventReset    = 2 // KVM_SYSTEM_EVENT_RESET
	SystemEventCrash    = 3 // KVM_SYSTEM_EVENT_CRASH
)

// kvm_msr_list is similar to the C struct kvm_msr_list, which is used by the
// KVM_GET_MSR_INDEX_LIST ioctl. The indices array has a fixed size because Go
// doesn't directly support C flexible array members.
type kvm_msr_list struct {
	nmsrs   uint32
	indices [255]uint32
}

// kvm_msrs is similar to the C struct kvm_msrs, which is used by the KVM_GET_MSRS and
// KVM_SET_MSRS ioctls. The entries array has a fixed size because Go doesn't directly
// support C flexible array members.
type kvm_msrs struct {
	nmsrs   uint32
	_       uint32
	entries [255]MSREntry
}

// kvm_cpuid2 is similar to the C struct kvm_cpuid2.
type kvm_cpuid2 struct {
	nent    uint32
	_       uint32
	entries [255]CPUIDEntry2
}

// Sizes of the fixed headers of the flexible-array structs. The kernel encodes
// these, not the size of the Go arrays, in the request codes.
const (
	sizeofMSRList = 4
	sizeofMSRs    = 8
	sizeofCPUID2  = 8
)

const (
	kGetMSRIndexList   = (iocRead|iocWrite)<<iocDirShift | sizeofMSRList<<iocSizeShift | kvmIO<<iocTypeShift | 0x02
	kGetSupportedCPUID = (iocRead|iocWrite)<<iocDirShift | sizeofCPUID2<<iocSizeShift | kvmIO<<iocTypeShift | 0x05

	kGetRegs   = iocRead<<iocDirShift | uintptr(unsafe.Sizeof(Regs{}))<<iocSizeShift | kvmIO<<iocTypeShift | 0x81
	kSetRegs   = iocWrite<<iocDirShift | uintptr(unsafe.Sizeof(Regs{}))<<iocSizeShift | kvmIO<<iocTypeShift | 0x82
	kGetSregs  = iocRead<<iocDirShift | uintptr(unsafe.Sizeof(Sregs{}))<<iocSizeShift | kvmIO<<iocTypeShift | 0x83
	kSetSregs  = iocWrite<<iocDirShift | uintptr(unsafe.Sizeof(Sregs{}))<<iocSizeShift | kvmIO<<iocTypeShift | 0x84
	kGetMSRs   = (iocRead|iocWrite)<<iocDirShift | sizeofMSRs<<iocSizeShift | kvmIO<<iocTypeShift | 0x88
	kSetMSRs   = iocWrite<<iocDirShift | sizeofMSRs<<iocSizeShift | kvmIO<<iocTypeShift | 0x89
	kSetCPUID2 = iocWrite<<iocDirShift | sizeofCPUID2<<iocSizeShift | kvmIO<<iocTypeShift | 0x90
)

// GetMSRIndexList "returns the guest msrs that are supported. The list
// varies by kvm version and host processor, but does not change otherwise."
func GetMSRIndexList(sys *System) (indices []int, err error) {
	var l kvm_msr_list
	l.nmsrs = uint32(len(l.indices))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetMSRIndexList, uintptr(unsafe.Pointer(&l)))
	if errno != 0 {
		return nil, errno
	}

	indices = make([]int, l.nmsrs)
	for i := range indices {
		indices[i] = int(l.indices[i])
	}

	return
}

// GetSupportedCPUID "returns x86 cpuid features which are supported by both the hardware
// and kvm in its default configuration."
//
// This ioctl is available if CheckExtension(CapExtCPUID) returns 1.
func GetSupportedCPUID(sys *System) ([]CPUIDEntry2, error) {
	var cpuid kvm_cpuid2
	cpuid.nent = uint32(len(cpuid.entries))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetSupportedCPUID, uintptr(unsafe.Pointer(&cpuid)))
	if errno != 0 {
		return nil, errno
	}

	return cpuid.entries[:cpuid.nent], nil
}

// GetRegs reads the vcpu's general-purpose registers.
func GetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetRegs writes the vcpu's general-purpose registers.
func SetRegs(vcpu *VCPU, regs *Regs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetRegs, uintptr(unsafe.Pointer(regs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetSregs reads the vcpu's special registers.
func GetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetSregs writes the vcpu's special registers.
func SetSregs(vcpu *VCPU, sregs *Sregs) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetSregs, uintptr(unsafe.Pointer(sregs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetMSRs reads model-specific registers from the VCPU. The given indices should come from
// GetMSRIndexList.
func GetMSRs(vcpu *VCPU, indices []int) ([]MSREntry, error) {
	msrs := kvm_msrs{nmsrs: uint32(len(indices))}
	if len(indices) > len(msrs.entries) {
		return nil, unix.E2BIG
	}

	for i, index := range indices {
		msrs.entries[i].Index = uint32(index)
	}

	r, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetMSRs, uintptr(unsafe.Pointer(&msrs)))
	if errno != 0 {
		return nil, errno
	}

	// r is the number of msrs read
	return msrs.entries[:r], nil
}

// SetMSRs writes model-specific registers to the VCPU.
func SetMSRs(vcpu *VCPU, entries []MSREntry) error {
	msrs := kvm_msrs{nmsrs: uint32(len(entries))}
	if copy(msrs.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetMSRs, uintptr(unsafe.Pointer(&msrs)))
	if errno != 0 {
		return errno
	}

	return nil
}

// SetCPUID2 "defines the vcpu responses to the cpuid instruction."
// This ioctl is available if CheckExtension(CapExtCPUID) returns 1.
func SetCPUID2(vcpu *VCPU, entries []CPUIDEntry2) error {
	cpuid := kvm_cpuid2{nent: uint32(len(entries))}
	if copy(cpuid.entries[:], entries) != len(entries) {
		return unix.E2BIG
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetCPUID2, uintptr(unsafe.Pointer(&cpuid)))
	if errno != 0 {
		return errno
	}

	return nil
}

// IOExitData returns data describing the present KVM_EXIT_IO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_IO.
func (s *VCPUState) IOExitData() *IOExitData {
	return (*IOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// MMIOExitData returns data describing the present KVM_EXIT_MMIO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_MMIO.
func (s *VCPUState) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// UnknownExitData returns data describing the present KVM_EXIT_UNKNOWN vmexit.
func (s *VCPUState) UnknownExitData() *UnknownExitData {
	return (*UnknownExitData)(unsafe.Pointer(&s.exitData[0]))
}

// FailEntryExitData returns data describing the present KVM_EXIT_FAIL_ENTRY vmexit.
func (s *VCPUState) FailEntryExitData() *FailEntryExitData {
	return (*FailEntryExitData)(unsafe.Pointer(&s.exitData[0]))
}

// InternalErrorExitData returns data describing the present KVM_EXIT_INTERNAL_ERROR vmexit.
func (s *VCPUState) InternalErrorExitData() *InternalErrorExitData {
	return (*InternalErrorExitData)(unsafe.Pointer(&s.exitData[0]))
}

// SystemEventExitData returns data describing the present KVM_EXIT_SYSTEM_EVENT vmexit.
func (s *VCPUState) SystemEventExitData() *SystemEventExitData {
	return (*SystemEventExitData)(unsafe.Pointer(&s.exitData[0]))
}
