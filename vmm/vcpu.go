//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/kvmctl/kvm"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// RunState is where a VCPU is in its run/exit cycle.
type RunState int32

const (
	Ready      RunState = iota // can run
	Running                    // inside KVM_RUN
	Suspended                  // exited, waiting for the exit to be handled
	Terminated                 // its loop has stopped, or it's closed
)

func (s RunState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

// VCPU is a virtual CPU and the run state it shares with the kernel. The run
// state is only touched by the goroutine running the VCPU, except for the
// immediate-exit flag set by Interrupt.
type VCPU struct {
	vm *VM
	id int
	b  VCPUBackend

	mu sync.Mutex // guards mm against release
	mm []byte

	state   atomic.Int32
	tid     atomic.Int32 // OS thread inside KVM_RUN, or 0
	regsSet atomic.Bool

	// guarded by vm.mu
	active int
	closed bool
}

// IOExit describes a KVM_EXIT_IO. The guest accessed Count items of Size
// bytes each.
type IOExit struct {
	Port      uint16
	Direction kvm.IODirection
	Size      int
	Count     int
}

// MMIOExit describes a KVM_EXIT_MMIO.
type MMIOExit struct {
	Addr    uint64
	Len     int
	IsWrite bool
}

// ID returns the VCPU's id within its VM.
func (c *VCPU) ID() int { return c.id }

// State returns the VCPU's place in its run/exit cycle.
func (c *VCPU) State() RunState {
	return RunState(c.state.Load())
}

func (c *VCPU) setState(s RunState) {
	c.state.Store(int32(s))
}

// Regs returns a snapshot of the VCPU's general-purpose registers.
func (c *VCPU) Regs() (kvm.Regs, error) {
	var regs kvm.Regs
	if err := c.b.GetRegs(&regs); err != nil {
		return regs, kernelError(err, ErrKernelRejected)
	}

	return regs, nil
}

// SetRegs replaces the VCPU's general-purpose registers. The VCPU can't run
// until SetRegs has succeeded at least once.
func (c *VCPU) SetRegs(regs kvm.Regs) error {
	if err := c.b.SetRegs(&regs); err != nil {
		return kernelError(err, ErrKernelRejected)
	}

	c.regsSet.Store(true)
	return nil
}

// Sregs returns a snapshot of the VCPU's special registers.
func (c *VCPU) Sregs() (kvm.Sregs, error) {
	var sregs kvm.Sregs
	if err := c.b.GetSregs(&sregs); err != nil {
		return sregs, kernelError(err, ErrKernelRejected)
	}

	return sregs, nil
}

// SetSregs replaces the VCPU's special registers.
func (c *VCPU) SetSregs(sregs kvm.Sregs) error {
	if err := c.b.SetSregs(&sregs); err != nil {
		return kernelError(err, ErrKernelRejected)
	}

	return nil
}

// SetMSRs writes model-specific registers.
func (c *VCPU) SetMSRs(entries []kvm.MSREntry) error {
	if err := c.b.SetMSRs(entries); err != nil {
		return kernelError(err, ErrKernelRejected)
	}

	return nil
}

// SetCPUID2 sets the VCPU's responses to the cpuid instruction.
func (c *VCPU) SetCPUID2(entries []kvm.CPUIDEntry2) error {
	if err := c.b.SetCPUID2(entries); err != nil {
		return kernelError(err, ErrKernelRejected)
	}

	return nil
}

// Run runs the VCPU until it exits and returns the exit reason. An
// interrupted run returns kvm.ExitIntr and no error; the caller should run
// again. The first Run seals the VM: no memory or VCPUs can be added after it.
func (c *VCPU) Run() (kvm.Exit, error) {
	if !c.regsSet.Load() {
		return 0, fmt.Errorf("%w: VCPU %d", ErrRegistersUnset, c.id)
	}

	if err := c.vm.enter(c); err != nil {
		return 0, err
	}

	defer c.vm.leave(c)

	// Interrupt signals this thread, so it must not change under KVM_RUN
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.tid.Store(int32(unix.Gettid()))
	c.setState(Running)
	err := c.b.Run()
	c.tid.Store(0)
	c.setState(Suspended)

	reason := kvm.ExitIntr
	switch {
	case err == nil:
		reason = c.run().ExitReason

	case !errors.Is(err, unix.EINTR):
		return 0, fmt.Errorf("VCPU %d: run: %w", c.id, kernelError(err, ErrKernelRejected))
	}

	// an interrupted run consumes the request
	if reason == kvm.ExitIntr {
		c.setImmediateExit(false)
	}

	return reason, nil
}

// Interrupt makes the VCPU return from Run as soon as possible with
// kvm.ExitIntr. It's safe to call from any goroutine. If the VCPU isn't in
// Run, the request stays pending and the next Run returns kvm.ExitIntr
// without entering the guest.
func (c *VCPU) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mm == nil {
		return
	}

	c.setImmediateExit(true)

	// kick the thread out of KVM_RUN; the Go runtime ignores SIGURG
	if tid := c.tid.Load(); tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
	}
}

// setImmediateExit sets or clears immediate_exit, byte 1 of the run state.
// It's updated through the aligned word that contains it because Interrupt
// writes it from other goroutines.
func (c *VCPU) setImmediateExit(v bool) {
	w := (*uint32)(unsafe.Pointer(&c.mm[0]))
	for {
		old := atomic.LoadUint32(w)
		val := old &^ 0xff00
		if v {
			val |= 1 << 8
		}

		if atomic.CompareAndSwapUint32(w, old, val) {
			return
		}
	}
}

// ExitReason returns the reason for the most recent exit.
func (c *VCPU) ExitReason() kvm.Exit {
	return c.run().ExitReason
}

// IOExit decodes the current exit if it's a KVM_EXIT_IO.
func (c *VCPU) IOExit() (IOExit, bool) {
	st := c.run()
	if st.ExitReason != kvm.ExitIO {
		return IOExit{}, false
	}

	xd := st.IOExitData()
	x := IOExit{
		Port:      xd.Port,
		Direction: xd.Direction,
		Size:      int(xd.Size),
		Count:     int(xd.Count),
	}

	return x, true
}

// ioData returns the data of the current KVM_EXIT_IO, which lives in the
// run state mapping.
func (c *VCPU) ioData() (IOExit, []byte, error) {
	x, ok := c.IOExit()
	if !ok {
		return x, nil, fmt.Errorf("%w: VCPU %d: not an io exit", ErrKernelRejected, c.id)
	}

	var (
		off = c.run().IOExitData().DataOffset
		n   = uint64(x.Size) * uint64(x.Count)
	)

	if off > uint64(len(c.mm)) || n > uint64(len(c.mm))-off {
		return x, nil, fmt.Errorf("%w: VCPU %d: io data [%#x, +%#x) is outside the run state", ErrKernelRejected, c.id, off, n)
	}

	return x, c.mm[off : off+n : off+n], nil
}

// MMIOExit decodes the current exit if it's a KVM_EXIT_MMIO.
func (c *VCPU) MMIOExit() (MMIOExit, bool) {
	st := c.run()
	if st.ExitReason != kvm.ExitMMIO {
		return MMIOExit{}, false
	}

	xd := st.MMIOExitData()
	x := MMIOExit{
		Addr:    xd.PhysAddr,
		Len:     min(int(xd.Len), len(xd.Data)),
		IsWrite: xd.IsWrite,
	}

	return x, true
}

// mmioData returns the inline data of the current KVM_EXIT_MMIO.
func (c *VCPU) mmioData() (MMIOExit, []byte, error) {
	x, ok := c.MMIOExit()
	if !ok {
		return x, nil, fmt.Errorf("%w: VCPU %d: not an mmio exit", ErrKernelRejected, c.id)
	}

	return x, c.run().MMIOExitData().Data[:x.Len], nil
}

// FailEntry returns the hardware entry failure reason of a
// KVM_EXIT_FAIL_ENTRY and the host CPU it happened on.
func (c *VCPU) FailEntry() (reason uint64, cpu uint32) {
	xd := c.run().FailEntryExitData()
	return xd.HardwareEntryFailureReason, xd.CPU
}

// InternalError returns the suberror and data of a KVM_EXIT_INTERNAL_ERROR.
func (c *VCPU) InternalError() (suberror uint32, data []uint64) {
	xd := c.run().InternalErrorExitData()
	n := min(int(xd.NData), len(xd.Data))
	return xd.Suberror, append([]uint64(nil), xd.Data[:n]...)
}

// UnknownExit returns the hardware exit reason of a KVM_EXIT_UNKNOWN.
func (c *VCPU) UnknownExit() uint64 {
	return c.run().UnknownExitData().HardwareExitReason
}

// SystemEvent returns the type of a KVM_EXIT_SYSTEM_EVENT.
func (c *VCPU) SystemEvent() uint32 {
	return c.run().SystemEventExitData().Type
}

func (c *VCPU) run() *kvm.VCPUState {
	if c.mm == nil {
		return new(kvm.VCPUState)
	}

	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}

// Close unmaps the VCPU's run state and closes it. It fails with ErrBusy if
// the VCPU is running. Close is idempotent.
func (c *VCPU) Close() error {
	if err := c.vm.forget(c); err != nil {
		return fmt.Errorf("VCPU %d: %w", c.id, err)
	}

	return c.release()
}

func (c *VCPU) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mm == nil {
		return nil
	}

	var errs *multierror.Error

	if err := c.b.UnmapState(c.mm); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("unmap run state: %w", err))
	}

	c.mm = nil

	if err := c.b.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	c.setState(Terminated)
	return errs.ErrorOrNil()
}
