//go:build linux

package vmmtest

import (
	"time"

	"github.com/c35s/kvmctl/kvm"
	"golang.org/x/sys/unix"
)

// Step is one scripted KVM_RUN. It fills in the run state the way the
// kernel would for some exit, or returns an errno.
type Step func(c *VCPU) error

// exit sets the exit reason and lets fill write the exit data.
func (c *VCPU) exit(reason kvm.Exit, fill func(st *kvm.VCPUState)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state()
	st.ExitReason = reason
	if fill != nil {
		fill(st)
	}
}

// Exit exits with reason and no exit data.
func Exit(reason kvm.Exit) Step {
	return func(c *VCPU) error {
		c.exit(reason, nil)
		return nil
	}
}

// Halt exits with KVM_EXIT_HLT.
func Halt() Step { return Exit(kvm.ExitHLT) }

// Shutdown exits with KVM_EXIT_SHUTDOWN.
func Shutdown() Step { return Exit(kvm.ExitShutdown) }

// Interrupted exits with KVM_EXIT_INTR.
func Interrupted() Step { return Exit(kvm.ExitIntr) }

// Errno fails the run with err.
func Errno(err unix.Errno) Step {
	return func(*VCPU) error {
		return err
	}
}

// EINTR fails the run as if a signal arrived.
func EINTR() Step { return Errno(unix.EINTR) }

// Spin keeps the VCPU "in the guest" until immediate_exit is set, then
// fails with EINTR.
func Spin() Step {
	return func(c *VCPU) error {
		for {
			c.mu.Lock()
			set := c.mm != nil && c.immediateExit()
			c.mu.Unlock()

			if set {
				return unix.EINTR
			}

			time.Sleep(time.Millisecond)
		}
	}
}

// IOOut exits with the guest writing data to port in items of size bytes.
func IOOut(port uint16, size int, data []byte) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitIO, func(st *kvm.VCPUState) {
			*st.IOExitData() = kvm.IOExitData{
				Direction:  kvm.IOOut,
				Size:       uint8(size),
				Port:       port,
				Count:      uint32(len(data) / size),
				DataOffset: ioDataOffset,
			}

			copy(c.mm[ioDataOffset:], data)
		})

		return nil
	}
}

// IOIn exits with the guest reading count items of size bytes from port.
// What the caller leaves in the run state shows up in Completed.
func IOIn(port uint16, size, count int) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitIO, func(st *kvm.VCPUState) {
			*st.IOExitData() = kvm.IOExitData{
				Direction:  kvm.IOIn,
				Size:       uint8(size),
				Port:       port,
				Count:      uint32(count),
				DataOffset: ioDataOffset,
			}

			data := c.mm[ioDataOffset : ioDataOffset+size*count]
			clear(data)
			c.pending = data
		})

		return nil
	}
}

// MMIOWrite exits with the guest writing data to addr.
func MMIOWrite(addr uint64, data []byte) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitMMIO, func(st *kvm.VCPUState) {
			xd := st.MMIOExitData()
			*xd = kvm.MMIOExitData{
				PhysAddr: addr,
				Len:      uint32(len(data)),
				IsWrite:  true,
			}

			copy(xd.Data[:], data)
		})

		return nil
	}
}

// MMIORead exits with the guest reading n bytes from addr. What the caller
// leaves in the run state shows up in Completed.
func MMIORead(addr uint64, n int) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitMMIO, func(st *kvm.VCPUState) {
			xd := st.MMIOExitData()
			*xd = kvm.MMIOExitData{
				PhysAddr: addr,
				Len:      uint32(n),
			}

			c.pending = xd.Data[:n]
		})

		return nil
	}
}

// InternalError exits with KVM_EXIT_INTERNAL_ERROR.
func InternalError(suberror uint32, data ...uint64) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitInternalError, func(st *kvm.VCPUState) {
			xd := st.InternalErrorExitData()
			*xd = kvm.InternalErrorExitData{
				Suberror: suberror,
				NData:    uint32(len(data)),
			}

			copy(xd.Data[:], data)
		})

		return nil
	}
}

// FailEntry exits with KVM_EXIT_FAIL_ENTRY.
func FailEntry(reason uint64, cpu uint32) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitFailEntry, func(st *kvm.VCPUState) {
			*st.FailEntryExitData() = kvm.FailEntryExitData{
				HardwareEntryFailureReason: reason,
				CPU:                        cpu,
			}
		})

		return nil
	}
}

// Unknown exits with KVM_EXIT_UNKNOWN.
func Unknown(hwReason uint64) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitUnknown, func(st *kvm.VCPUState) {
			st.UnknownExitData().HardwareExitReason = hwReason
		})

		return nil
	}
}

// SystemEvent exits with KVM_EXIT_SYSTEM_EVENT.
func SystemEvent(typ uint32) Step {
	return func(c *VCPU) error {
		c.exit(kvm.ExitSystemEvent, func(st *kvm.VCPUState) {
			*st.SystemEventExitData() = kvm.SystemEventExitData{Type: typ}
		})

		return nil
	}
}
