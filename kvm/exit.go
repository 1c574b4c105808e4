package kvm

import "fmt"

// Exit is the reason a VCPU stopped running guest code and returned to
// userspace. It's the exit_reason field of struct kvm_run.
type Exit uint32

const (
	ExitUnknown       = Exit(0)  // KVM_EXIT_UNKNOWN
	ExitException     = Exit(1)  // KVM_EXIT_EXCEPTION
	ExitIO            = Exit(2)  // KVM_EXIT_IO
	ExitHypercall     = Exit(3)  // KVM_EXIT_HYPERCALL
	ExitDebug         = Exit(4)  // KVM_EXIT_DEBUG
	ExitHLT           = Exit(5)  // KVM_EXIT_HLT
	ExitMMIO          = Exit(6)  // KVM_EXIT_MMIO
	ExitIRQWindowOpen = Exit(7)  // KVM_EXIT_IRQ_WINDOW_OPEN
	ExitShutdown      = Exit(8)  // KVM_EXIT_SHUTDOWN
	ExitFailEntry     = Exit(9)  // KVM_EXIT_FAIL_ENTRY
	ExitIntr          = Exit(10) // KVM_EXIT_INTR
	ExitSetTPR        = Exit(11) // KVM_EXIT_SET_TPR
	ExitTPRAccess     = Exit(12) // KVM_EXIT_TPR_ACCESS
	ExitS390SIEIC     = Exit(13) // KVM_EXIT_S390_SIEIC
	ExitS390Reset     = Exit(14) // KVM_EXIT_S390_RESET
	ExitDCR           = Exit(15) // KVM_EXIT_DCR (deprecated)
	ExitNMI           = Exit(16) // KVM_EXIT_NMI
	ExitInternalError = Exit(17) // KVM_EXIT_INTERNAL_ERROR
	ExitOSI           = Exit(18) // KVM_EXIT_OSI
	ExitPAPRHcall     = Exit(19) // KVM_EXIT_PAPR_HCALL
	ExitS390UControl  = Exit(20) // KVM_EXIT_S390_UCONTROL
	ExitWatchdog      = Exit(21) // KVM_EXIT_WATCHDOG
	ExitS390TSCH      = Exit(22) // KVM_EXIT_S390_TSCH
	ExitEPR           = Exit(23) // KVM_EXIT_EPR
	ExitSystemEvent   = Exit(24) // KVM_EXIT_SYSTEM_EVENT
	ExitS390STSI      = Exit(25) // KVM_EXIT_S390_STSI
	ExitIOAPICEOI     = Exit(26) // KVM_EXIT_IOAPIC_EOI
	ExitHyperV        = Exit(27) // KVM_EXIT_HYPERV
	ExitARMNISV       = Exit(28) // KVM_EXIT_ARM_NISV
	ExitX86RDMSR      = Exit(29) // KVM_EXIT_X86_RDMSR
	ExitX86WRMSR      = Exit(30) // KVM_EXIT_X86_WRMSR
	ExitDirtyRingFull = Exit(31) // KVM_EXIT_DIRTY_RING_FULL
	ExitAPResetHold   = Exit(32) // KVM_EXIT_AP_RESET_HOLD
	ExitX86BusLock    = Exit(33) // KVM_EXIT_X86_BUS_LOCK
	ExitXen           = Exit(34) // KVM_EXIT_XEN
	ExitRISCVSBI      = Exit(35) // KVM_EXIT_RISCV_SBI
	ExitRISCVCSR      = Exit(36) // KVM_EXIT_RISCV_CSR
	ExitNotify        = Exit(37) // KVM_EXIT_NOTIFY
)

var exitNames = [...]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTPR:        "KVM_EXIT_SET_TPR",
	ExitTPRAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitS390SIEIC:     "KVM_EXIT_S390_SIEIC",
	ExitS390Reset:     "KVM_EXIT_S390_RESET",
	ExitDCR:           "KVM_EXIT_DCR",
	ExitNMI:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitOSI:           "KVM_EXIT_OSI",
	ExitPAPRHcall:     "KVM_EXIT_PAPR_HCALL",
	ExitS390UControl:  "KVM_EXIT_S390_UCONTROL",
	ExitWatchdog:      "KVM_EXIT_WATCHDOG",
	ExitS390TSCH:      "KVM_EXIT_S390_TSCH",
	ExitEPR:           "KVM_EXIT_EPR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitS390STSI:      "KVM_EXIT_S390_STSI",
	ExitIOAPICEOI:     "KVM_EXIT_IOAPIC_EOI",
	ExitHyperV:        "KVM_EXIT_HYPERV",
	ExitARMNISV:       "KVM_EXIT_ARM_NISV",
	ExitX86RDMSR:      "KVM_EXIT_X86_RDMSR",
	ExitX86WRMSR:      "KVM_EXIT_X86_WRMSR",
	ExitDirtyRingFull: "KVM_EXIT_DIRTY_RING_FULL",
	ExitAPResetHold:   "KVM_EXIT_AP_RESET_HOLD",
	ExitX86BusLock:    "KVM_EXIT_X86_BUS_LOCK",
	ExitXen:           "KVM_EXIT_XEN",
	ExitRISCVSBI:      "KVM_EXIT_RISCV_SBI",
	ExitRISCVCSR:      "KVM_EXIT_RISCV_CSR",
	ExitNotify:        "KVM_EXIT_NOTIFY",
}

func (e Exit) String() string {
	if int(e) < len(exitNames) {
		return exitNames[e]
	}

	return fmt.Sprintf("Exit(%d)", e)
}

// IODirection is the direction of a KVM_EXIT_IO access.
type IODirection uint8

const (
	IOIn  = IODirection(0) // KVM_EXIT_IO_IN: the guest reads from the port
	IOOut = IODirection(1) // KVM_EXIT_IO_OUT: the guest writes to the port
)

func (d IODirection) String() string {
	switch d {
	case IOIn:
		return "in"

	case IOOut:
		return "out"

	default:
		return fmt.Sprintf("IODirection(%d)", d)
	}
}
