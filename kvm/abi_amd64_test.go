//go:build linux && amd64

package kvm

import (
	"testing"
	"unsafe"
)

func TestRequestCodes(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"KVM_GET_API_VERSION", kGetAPIVersion, 0xae00},
		{"KVM_CREATE_VM", kCreateVM, 0xae01},
		{"KVM_GET_MSR_INDEX_LIST", kGetMSRIndexList, 0xc004ae02},
		{"KVM_CHECK_EXTENSION", kCheckExtension, 0xae03},
		{"KVM_GET_VCPU_MMAP_SIZE", kGetVCPUMmapSize, 0xae04},
		{"KVM_GET_SUPPORTED_CPUID", kGetSupportedCPUID, 0xc008ae05},
		{"KVM_CREATE_VCPU", kCreateVCPU, 0xae41},
		{"KVM_SET_USER_MEMORY_REGION", kSetUserMemoryRegion, 0x4020ae46},
		{"KVM_SET_TSS_ADDR", kSetTSSAddr, 0xae47},
		{"KVM_CREATE_IRQCHIP", kCreateIRQChip, 0xae60},
		{"KVM_CREATE_PIT2", kCreatePIT2, 0x4040ae77},
		{"KVM_RUN", kRun, 0xae80},
		{"KVM_GET_REGS", kGetRegs, 0x8090ae81},
		{"KVM_SET_REGS", kSetRegs, 0x4090ae82},
		{"KVM_GET_SREGS", kGetSregs, 0x8138ae83},
		{"KVM_SET_SREGS", kSetSregs, 0x4138ae84},
		{"KVM_GET_MSRS", kGetMSRs, 0xc008ae88},
		{"KVM_SET_MSRS", kSetMSRs, 0x4008ae89},
		{"KVM_SET_CPUID2", kSetCPUID2, 0x4008ae90},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: %#x != %#x", tt.name, tt.got, tt.want)
		}
	}
}

func TestIOC(t *testing.T) {
	if got := ioc(iocWrite, 0x46, unsafe.Sizeof(UserspaceMemoryRegion{})); got != kSetUserMemoryRegion {
		t.Errorf("ioc(write, 0x46, 32) %#x != %#x", got, kSetUserMemoryRegion)
	}

	if got := ioc(iocRead|iocWrite, 0x88, sizeofMSRs); got != kGetMSRs {
		t.Errorf("ioc(rw, 0x88, 8) %#x != %#x", got, kGetMSRs)
	}

	if got := ioc(iocNone, 0x80, 0); got != kRun {
		t.Errorf("ioc(none, 0x80, 0) %#x != %#x", got, kRun)
	}
}

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"kvm_regs", unsafe.Sizeof(Regs{}), 144},
		{"kvm_segment", unsafe.Sizeof(Segment{}), 24},
		{"kvm_dtable", unsafe.Sizeof(Dtable{}), 16},
		{"kvm_sregs", unsafe.Sizeof(Sregs{}), 312},
		{"kvm_userspace_memory_region", unsafe.Sizeof(UserspaceMemoryRegion{}), 32},
		{"kvm_msr_entry", unsafe.Sizeof(MSREntry{}), 16},
		{"kvm_cpuid_entry2", unsafe.Sizeof(CPUIDEntry2{}), 40},
		{"kvm_pit_config", unsafe.Sizeof(PITConfig{}), 64},
		{"kvm_run.io", unsafe.Sizeof(IOExitData{}), 16},
		{"kvm_run.mmio", unsafe.Sizeof(MMIOExitData{}), 24},
		{"kvm_run.fail_entry", unsafe.Sizeof(FailEntryExitData{}), 16},
		{"kvm_run.internal", unsafe.Sizeof(InternalErrorExitData{}), 136},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("sizeof %s: %d != %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestFieldOffsets(t *testing.T) {
	var (
		seg   Segment
		sregs Sregs
		state VCPUState
		msrs  kvm_msrs
		cpuid kvm_cpuid2
		io    IOExitData
		mmio  MMIOExitData
	)

	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"kvm_segment.type", unsafe.Offsetof(seg.Type), 14},
		{"kvm_segment.present", unsafe.Offsetof(seg.Present), 15},
		{"kvm_segment.dpl", unsafe.Offsetof(seg.DPL), 16},
		{"kvm_segment.db", unsafe.Offsetof(seg.DB), 17},
		{"kvm_segment.s", unsafe.Offsetof(seg.S), 18},
		{"kvm_segment.l", unsafe.Offsetof(seg.L), 19},
		{"kvm_segment.g", unsafe.Offsetof(seg.G), 20},
		{"kvm_segment.avl", unsafe.Offsetof(seg.AVL), 21},
		{"kvm_segment.unusable", unsafe.Offsetof(seg.Unusable), 22},
		{"kvm_sregs.gdt", unsafe.Offsetof(sregs.GDT), 192},
		{"kvm_sregs.cr0", unsafe.Offsetof(sregs.CR0), 224},
		{"kvm_sregs.efer", unsafe.Offsetof(sregs.EFER), 264},
		{"kvm_sregs.interrupt_bitmap", unsafe.Offsetof(sregs.InterruptBitmap), 280},
		{"kvm_run.immediate_exit", unsafe.Offsetof(state.ImmediateExit), 1},
		{"kvm_run.exit_reason", unsafe.Offsetof(state.ExitReason), 8},
		{"kvm_run.cr8", unsafe.Offsetof(state.CR8), 16},
		{"kvm_run.exit_union", unsafe.Offsetof(state.exitData), 32},
		{"kvm_msrs.entries", unsafe.Offsetof(msrs.entries), sizeofMSRs},
		{"kvm_cpuid2.entries", unsafe.Offsetof(cpuid.entries), sizeofCPUID2},
		{"kvm_run.io.port", unsafe.Offsetof(io.Port), 2},
		{"kvm_run.io.data_offset", unsafe.Offsetof(io.DataOffset), 8},
		{"kvm_run.mmio.len", unsafe.Offsetof(mmio.Len), 16},
		{"kvm_run.mmio.is_write", unsafe.Offsetof(mmio.IsWrite), 20},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("offsetof %s: %d != %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestExitDataAliasesState(t *testing.T) {
	var state VCPUState

	io := state.IOExitData()
	io.Port = 0x3f8
	io.DataOffset = 0x1000

	if state.exitData[2] != 0xf8 || state.exitData[3] != 0x03 {
		t.Fatalf("io port not written to the exit union: % x", state.exitData[:4])
	}

	mmio := state.MMIOExitData()
	if mmio.PhysAddr&0xffff0000 != 0x03f80000 {
		t.Fatalf("mmio view doesn't alias the io view: %#x", mmio.PhysAddr)
	}
}
