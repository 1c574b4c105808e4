package kvm

import "fmt"

// Cap identifies a KVM extension. Pass it to CheckExtension.
type Cap uint32

const (
	CapIRQChip            = Cap(0)   // KVM_CAP_IRQCHIP
	CapHLT                = Cap(1)   // KVM_CAP_HLT
	CapUserMemory         = Cap(3)   // KVM_CAP_USER_MEMORY
	CapSetTSSAddr         = Cap(4)   // KVM_CAP_SET_TSS_ADDR
	CapExtCPUID           = Cap(7)   // KVM_CAP_EXT_CPUID
	CapNrVCPUs            = Cap(9)   // KVM_CAP_NR_VCPUS
	CapNrMemSlots         = Cap(10)  // KVM_CAP_NR_MEMSLOTS
	CapPIT                = Cap(11)  // KVM_CAP_PIT
	CapMPState            = Cap(14)  // KVM_CAP_MP_STATE
	CapCoalescedMMIO      = Cap(15)  // KVM_CAP_COALESCED_MMIO
	CapSyncMMU            = Cap(16)  // KVM_CAP_SYNC_MMU
	CapIRQRouting         = Cap(25)  // KVM_CAP_IRQ_ROUTING
	CapIRQFD              = Cap(32)  // KVM_CAP_IRQFD
	CapPIT2               = Cap(33)  // KVM_CAP_PIT2
	CapIOEventFD          = Cap(36)  // KVM_CAP_IOEVENTFD
	CapSetIdentityMapAddr = Cap(37)  // KVM_CAP_SET_IDENTITY_MAP_ADDR
	CapAdjustClock        = Cap(39)  // KVM_CAP_ADJUST_CLOCK
	CapInternalErrorData  = Cap(40)  // KVM_CAP_INTERNAL_ERROR_DATA
	CapVCPUEvents         = Cap(41)  // KVM_CAP_VCPU_EVENTS
	CapMaxVCPUs           = Cap(66)  // KVM_CAP_MAX_VCPUS
	CapReadonlyMem        = Cap(81)  // KVM_CAP_READONLY_MEM
	CapCheckExtensionVM   = Cap(105) // KVM_CAP_CHECK_EXTENSION_VM
	CapMaxVCPUID          = Cap(128) // KVM_CAP_MAX_VCPU_ID
	CapImmediateExit      = Cap(136) // KVM_CAP_IMMEDIATE_EXIT
	CapGetMSRFeatures     = Cap(153) // KVM_CAP_GET_MSR_FEATURES
)

var capNames = map[Cap]string{
	CapIRQChip:            "KVM_CAP_IRQCHIP",
	CapHLT:                "KVM_CAP_HLT",
	CapUserMemory:         "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:         "KVM_CAP_SET_TSS_ADDR",
	CapExtCPUID:           "KVM_CAP_EXT_CPUID",
	CapNrVCPUs:            "KVM_CAP_NR_VCPUS",
	CapNrMemSlots:         "KVM_CAP_NR_MEMSLOTS",
	CapPIT:                "KVM_CAP_PIT",
	CapMPState:            "KVM_CAP_MP_STATE",
	CapCoalescedMMIO:      "KVM_CAP_COALESCED_MMIO",
	CapSyncMMU:            "KVM_CAP_SYNC_MMU",
	CapIRQRouting:         "KVM_CAP_IRQ_ROUTING",
	CapIRQFD:              "KVM_CAP_IRQFD",
	CapPIT2:               "KVM_CAP_PIT2",
	CapIOEventFD:          "KVM_CAP_IOEVENTFD",
	CapSetIdentityMapAddr: "KVM_CAP_SET_IDENTITY_MAP_ADDR",
	CapAdjustClock:        "KVM_CAP_ADJUST_CLOCK",
	CapInternalErrorData:  "KVM_CAP_INTERNAL_ERROR_DATA",
	CapVCPUEvents:         "KVM_CAP_VCPU_EVENTS",
	CapMaxVCPUs:           "KVM_CAP_MAX_VCPUS",
	CapReadonlyMem:        "KVM_CAP_READONLY_MEM",
	CapCheckExtensionVM:   "KVM_CAP_CHECK_EXTENSION_VM",
	CapMaxVCPUID:          "KVM_CAP_MAX_VCPU_ID",
	CapImmediateExit:      "KVM_CAP_IMMEDIATE_EXIT",
	CapGetMSRFeatures:     "KVM_CAP_GET_MSR_FEATURES",
}

// AllCaps returns every capability known to this package in ascending order.
func AllCaps() []Cap {
	return []Cap{
		CapIRQChip,
		CapHLT,
		CapUserMemory,
		CapSetTSSAddr,
		CapExtCPUID,
		CapNrVCPUs,
		CapNrMemSlots,
		CapPIT,
		CapMPState,
		CapCoalescedMMIO,
		CapSyncMMU,
		CapIRQRouting,
		CapIRQFD,
		CapPIT2,
		CapIOEventFD,
		CapSetIdentityMapAddr,
		CapAdjustClock,
		CapInternalErrorData,
		CapVCPUEvents,
		CapMaxVCPUs,
		CapReadonlyMem,
		CapCheckExtensionVM,
		CapMaxVCPUID,
		CapImmediateExit,
		CapGetMSRFeatures,
	}
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Cap(%d)", c)
}
