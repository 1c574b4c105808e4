//go:build linux

package vmm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Errors reported by Device, VM, MemoryRegion, and VCPU. The kernel's errno,
// if there is one, stays in the chain.
var (
	ErrDeviceUnavailable  = errors.New("vmm: KVM device is unavailable")
	ErrUnsupportedVersion = errors.New("vmm: unsupported KVM API version")
	ErrPermissionDenied   = errors.New("vmm: permission denied")
	ErrResourceExhausted  = errors.New("vmm: resource exhausted")
	ErrInvalidRegion      = errors.New("vmm: invalid memory region")
	ErrOutOfMemory        = errors.New("vmm: out of memory")
	ErrKernelRejected     = errors.New("vmm: kernel rejected the request")
	ErrInterrupted        = errors.New("vmm: interrupted")
	ErrUnknownExit        = errors.New("vmm: unknown exit")

	ErrBusy           = errors.New("vmm: VCPU is running")
	ErrClosed         = errors.New("vmm: already closed")
	ErrRegionAttached = errors.New("vmm: memory region is attached to a VM")
	ErrRegistersUnset = errors.New("vmm: registers were never set")
	ErrUnhandled      = errors.New("vmm: unhandled access")
	ErrUnhandledExit  = errors.New("vmm: unhandled exit")
	ErrInternalError  = errors.New("vmm: KVM internal error")
)

// Errors identifying the step of New that failed.
var (
	ErrConfig              = errors.New("vmm: invalid config")
	ErrOpenKVM             = errors.New("vmm: KVM is not available")
	ErrCompat              = errors.New("vmm: incompatible KVM")
	ErrCreate              = errors.New("vmm: create failed")
	ErrSetup               = errors.New("vmm: setup failed")
	ErrAllocMemory         = errors.New("vmm: memory allocation failed")
	ErrSetupMemory         = errors.New("vmm: memory setup failed")
	ErrSetUserMemoryRegion = errors.New("vmm: set user memory region failed")
	ErrCreateVCPU          = errors.New("vmm: VCPU create failed")
	ErrSetupVCPU           = errors.New("vmm: VCPU setup failed")
	ErrLoadMemory          = errors.New("vmm: memory load failed")
	ErrLoadVCPU            = errors.New("vmm: VCPU load failed")
)

// kernelError classifies an errno returned by a KVM ioctl. Errnos with no
// specific meaning are reported as fallback.
func kernelError(err error, fallback error) error {
	var kind error

	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		kind = ErrPermissionDenied

	case errors.Is(err, unix.ENOMEM),
		errors.Is(err, unix.EMFILE),
		errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.ENOSPC):
		kind = ErrResourceExhausted

	case errors.Is(err, unix.EBADF):
		kind = ErrClosed

	default:
		kind = fallback
	}

	return fmt.Errorf("%w: %w", kind, err)
}

// openError classifies a failure to open the device node.
func openError(err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %w: %w", ErrDeviceUnavailable, ErrPermissionDenied, err)

	default:
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
}
