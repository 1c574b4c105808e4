//go:build linux

package kvm

import "unsafe"

// Request codes follow the asm-generic _IOC convention used by x86 and arm64:
// nr in bits 0-7, type in bits 8-15, argument size in bits 16-29, and the
// transfer direction in bits 30-31.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)

// kvmIO is the ioctl type shared by every KVM request.
const kvmIO = 0xae

// ioc packs an ioctl request code. It's a function for tests and for the few
// requests whose size isn't known statically; the request constants below
// spell out the same arithmetic so they remain constants.
func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | kvmIO<<iocTypeShift | nr<<iocNRShift
}

// system ioctls

const (
	kGetAPIVersion   = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x00
	kCreateVM        = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x01
	kCheckExtension  = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x03
	kGetVCPUMmapSize = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x04
)

// vm ioctls

const (
	kCreateVCPU          = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x41
	kSetUserMemoryRegion = iocWrite<<iocDirShift | uintptr(unsafe.Sizeof(UserspaceMemoryRegion{}))<<iocSizeShift | kvmIO<<iocTypeShift | 0x46
	kSetTSSAddr          = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x47
	kCreateIRQChip       = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x60
	kCreatePIT2          = iocWrite<<iocDirShift | uintptr(unsafe.Sizeof(PITConfig{}))<<iocSizeShift | kvmIO<<iocTypeShift | 0x77
)

// vcpu ioctls

const (
	kRun = iocNone<<iocDirShift | kvmIO<<iocTypeShift | 0x80
)
