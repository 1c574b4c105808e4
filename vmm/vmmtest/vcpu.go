//go:build linux

package vmmtest

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
	"golang.org/x/sys/unix"
)

// VCPU is a fake VCPU file. Each Run plays back the next step of its script.
type VCPU struct {
	vm *VM
	id int

	mu        sync.Mutex
	mm        []byte
	regs      kvm.Regs
	sregs     kvm.Sregs
	msrs      []kvm.MSREntry
	cpuid     []kvm.CPUIDEntry2
	script    []Step
	pending   []byte // data the guest is waiting on from the last exit
	completed [][]byte
	runs      int
	closed    bool
}

var _ vmm.VCPUBackend = (*VCPU)(nil)

// resetRegs and resetSregs are the architectural reset state.
var (
	resetRegs = kvm.Regs{
		RIP:    0xfff0,
		RFlags: 0x2,
	}

	resetSregs = kvm.Sregs{
		CS:  kvm.Segment{Base: 0xffff0000, Limit: 0xffff, Selector: 0xf000, Type: 11, Present: 1, S: 1},
		DS:  dataSegment,
		ES:  dataSegment,
		FS:  dataSegment,
		GS:  dataSegment,
		SS:  dataSegment,
		TR:  kvm.Segment{Limit: 0xffff, Type: 11, Present: 1},
		LDT: kvm.Segment{Limit: 0xffff, Type: 2, Present: 1},
		GDT: kvm.Dtable{Limit: 0xffff},
		IDT: kvm.Dtable{Limit: 0xffff},
		CR0: 0x60000010,
	}

	dataSegment = kvm.Segment{Limit: 0xffff, Type: 3, Present: 1, S: 1}
)

func (c *VCPU) check(name string) error {
	if c.closed {
		return unix.EBADF
	}

	return c.vm.b.check(name)
}

// MapState maps anonymous memory in place of the kernel's run state.
func (c *VCPU) MapState(size int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check("mmap"); err != nil {
		return nil, err
	}

	mm, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	c.mm = mm
	return mm, nil
}

func (c *VCPU) UnmapState(mm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vm.b.event("unmap vcpu %d", c.id)
	if err := unix.Munmap(mm); err != nil {
		return err
	}

	c.mm = nil
	return nil
}

// Run plays back the next step. If the previous exit asked for data, the
// data the caller left in the run state is recorded first; see Completed.
// Like KVM_RUN, Run fails with EINTR without running if immediate_exit is set.
func (c *VCPU) Run() error {
	c.mu.Lock()

	if err := c.check("KVM_RUN"); err != nil {
		c.mu.Unlock()
		return err
	}

	if c.mm == nil {
		c.mu.Unlock()
		return unix.EFAULT
	}

	c.runs++

	if c.pending != nil {
		c.completed = append(c.completed, append([]byte(nil), c.pending...))
		c.pending = nil
	}

	if c.immediateExit() {
		c.mu.Unlock()
		return unix.EINTR
	}

	st := c.state()
	if len(c.script) == 0 {
		st.ExitReason = kvm.ExitShutdown
		c.mu.Unlock()
		return nil
	}

	step := c.script[0]
	c.script = c.script[1:]
	c.mu.Unlock()

	return step(c)
}

// immediateExit reads immediate_exit through the word that contains it,
// which other goroutines update atomically.
func (c *VCPU) immediateExit() bool {
	w := (*uint32)(unsafe.Pointer(&c.mm[0]))
	return atomic.LoadUint32(w)&0xff00 != 0
}

func (c *VCPU) state() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}

func (c *VCPU) GetRegs(regs *kvm.Regs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check("KVM_GET_REGS"); err != nil {
		return err
	}

	*regs = c.regs
	return nil
}

func (c *VCPU) SetRegs(regs *kvm.Regs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check("KVM_SET_REGS"); err != nil {
		return err
	}

	c.regs = *regs
	return nil
}

func (c *VCPU) GetSregs(sregs *kvm.Sregs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check("KVM_GET_SREGS"); err != nil {
		return err
	}

	*sregs = c.sregs
	return nil
}

func (c *VCPU) SetSregs(sregs *kvm.Sregs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check("KVM_SET_SREGS"); err != nil {
		return err
	}

	c.sregs = *sregs
	return nil
}

func (c *VCPU) SetMSRs(entries []kvm.MSREntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check("KVM_SET_MSRS"); err != nil {
		return err
	}

	c.msrs = append(c.msrs, entries...)
	return nil
}

func (c *VCPU) SetCPUID2(entries []kvm.CPUIDEntry2) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check("KVM_SET_CPUID2"); err != nil {
		return err
	}

	c.cpuid = append([]kvm.CPUIDEntry2(nil), entries...)
	return nil
}

func (c *VCPU) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return unix.EBADF
	}

	c.closed = true
	c.vm.b.event("close vcpu %d", c.id)

	return nil
}

// ID returns the VCPU's id.
func (c *VCPU) ID() int { return c.id }

// Regs returns the registers as last set.
func (c *VCPU) Regs() kvm.Regs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

// Sregs returns the special registers as last set.
func (c *VCPU) Sregs() kvm.Sregs {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sregs
}

// MSRs returns every MSR write, in order.
func (c *VCPU) MSRs() []kvm.MSREntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kvm.MSREntry(nil), c.msrs...)
}

// CPUID returns the entries given to SetCPUID2.
func (c *VCPU) CPUID() []kvm.CPUIDEntry2 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kvm.CPUIDEntry2(nil), c.cpuid...)
}

// Completed returns the data delivered to the guest for each IO in and
// MMIO read, in order. Data is recorded when the VCPU next runs.
func (c *VCPU) Completed() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.completed...)
}

// Runs returns the number of times Run was called.
func (c *VCPU) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

// Closed reports whether the VCPU file was closed.
func (c *VCPU) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
