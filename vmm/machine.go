//go:build linux

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm/arch"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Config describes a new Machine.
type Config struct {

	// DevicePath is the KVM device node. If it's empty, DefaultDevicePath
	// is used. It's ignored if Backend is set.
	DevicePath string

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	// If MemSize is 0, the VM will have 1G of memory.
	MemSize int

	// NumCPU is the number of VCPUs. If it's 0, the VM has one.
	NumCPU int

	// Loader configures the VM's memory and registers.
	Loader Loader

	// IO and MMIO handle the VCPUs' port and MMIO exits.
	IO   IOHandler
	MMIO MMIOHandler

	// Arch, if set, is called to do arch-specific setup during VM creation.
	// If Arch is nil, a default implementation is used. Setting Arch is
	// probably only useful for testing, debugging, and development.
	Arch Arch

	// ResumeOnHalt and OnUnknownExit configure each VCPU's Dispatcher.
	ResumeOnHalt  bool
	OnUnknownExit UnknownExitPolicy

	Logger  *slog.Logger
	Metrics *Metrics

	// Backend, if set, is used instead of opening DevicePath. The Machine
	// takes ownership of it.
	Backend Backend
}

// VMInfo describes a configured VM in a form useful to the Loader.
// It is passed to the Loader's LoadMemory and LoadVCPU methods.
type VMInfo struct {

	// MemSize is the size of the VM's memory in bytes.
	// It is a multiple of the host's page size.
	MemSize int

	// NumCPU is the number of VCPUs attached to the VM.
	NumCPU int

	// Regions is the guest physical memory layout, ordered by slot.
	Regions []arch.Range
}

type Loader interface {

	// LoadMemory prepares the VM's memory before it boots.
	LoadMemory(info VMInfo, regions []*MemoryRegion) error

	// LoadVCPU prepares a VCPU before the VM boots.
	LoadVCPU(info VMInfo, id int, regs *kvm.Regs, sregs *kvm.Sregs) error
}

type Arch interface {

	// SetupVM is called after the VM is created.
	// It sets up arch-specific "hardware" like the PIC.
	SetupVM(vm arch.VM) error

	// SetupMemory partitions the VM's memory into guest physical ranges.
	// Each range becomes one memory region.
	SetupMemory(memSize int) ([]arch.Range, error)

	// SetupVCPU is called after the VCPU is created and its state is mapped.
	// It sets up arch-specific features like MSRs and cpuid.
	SetupVCPU(id int, vcpu arch.VCPU) error
}

const (
	MemSizeMin     = 1 << 20 // 1M
	MemSizeDefault = 1 << 30 // 1G
	MemSizeMax     = 1 << 40 // 1T
)

// Machine is a VM with its memory and VCPUs set up and loaded, ready to run.
type Machine struct {
	cfg  Config
	dev  *Device
	vm   *VM
	info VMInfo

	mu      sync.Mutex
	results []Result
}

// New creates a new Machine. If any step fails, everything created so far
// is closed and the error wraps the step's sentinel.
func New(cfg Config) (*Machine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		if cfg.Backend != nil {
			cfg.Backend.Close()
		}

		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	dev, err := cfg.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	dev.SetLogger(cfg.Logger)
	cfg.Logger.Debug("opened KVM device", "version", dev.Version())

	m := &Machine{cfg: cfg, dev: dev}
	if err := m.setup(); err != nil {
		if cerr := dev.Close(); cerr != nil {
			cfg.Logger.Error("unwind failed", "err", cerr)
		}

		return nil, err
	}

	return m, nil
}

func (m *Machine) setup() error {
	cfg := &m.cfg

	if err := arch.ValidateKVM(m.dev); err != nil {
		return fmt.Errorf("%w: %w", ErrCompat, err)
	}

	// default arch
	if cfg.Arch == nil {
		a, err := arch.New(m.dev)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCompat, err)
		}

		cfg.Arch = a
	}

	vm, err := m.dev.CreateVM()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreate, err)
	}

	m.vm = vm

	// install arch-specific "hardware"
	if err := cfg.Arch.SetupVM(vm); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	// partition memory
	ranges, err := cfg.Arch.SetupMemory(cfg.MemSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSetupMemory, err)
	}

	// create and install memory
	regions := make([]*MemoryRegion, 0, len(ranges))
	for _, rg := range ranges {
		r, err := NewMemoryRegion(rg.GuestPhysAddr, rg.Size, 0)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAllocMemory, err)
		}

		if err := vm.AttachMemory(r); err != nil {
			r.Close()
			return fmt.Errorf("%w: %w", ErrSetUserMemoryRegion, err)
		}

		regions = append(regions, r)
	}

	// create VCPUs
	vcpus := make([]*VCPU, cfg.NumCPU)
	for id := range vcpus {
		c, err := vm.CreateVCPU(id)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCreateVCPU, err)
		}

		if err := cfg.Arch.SetupVCPU(id, c); err != nil {
			return fmt.Errorf("%w: VCPU %d: %w", ErrSetupVCPU, id, err)
		}

		vcpus[id] = c
	}

	m.info = VMInfo{
		MemSize: cfg.MemSize,
		NumCPU:  len(vcpus),
		Regions: ranges,
	}

	// load memory
	if err := cfg.Loader.LoadMemory(m.info, regions); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadMemory, err)
	}

	// load VCPUs
	for _, c := range vcpus {
		if err := m.loadVCPU(c); err != nil {
			return fmt.Errorf("%w: VCPU %d: %w", ErrLoadVCPU, c.id, err)
		}
	}

	cfg.Logger.Debug("machine ready", "mem", cfg.MemSize, "vcpus", len(vcpus), "regions", len(regions))
	return nil
}

func (m *Machine) loadVCPU(c *VCPU) error {
	regs, err := c.Regs()
	if err != nil {
		return fmt.Errorf("get regs: %w", err)
	}

	sregs, err := c.Sregs()
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}

	if err := m.cfg.Loader.LoadVCPU(m.info, c.id, &regs, &sregs); err != nil {
		return err
	}

	if err := c.SetSregs(sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	if err := c.SetRegs(regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	return nil
}

// Run runs every VCPU on its own goroutine until they have all stopped. A
// VCPU that fails doesn't stop the others; cancel ctx for that. Run returns
// the failures of all VCPUs that failed.
func (m *Machine) Run(ctx context.Context) error {
	var (
		g     errgroup.Group
		mu    sync.Mutex
		errs  *multierror.Error
		vcpus = m.vm.VCPUs()
	)

	d := &Dispatcher{
		IO:            m.cfg.IO,
		MMIO:          m.cfg.MMIO,
		ResumeOnHalt:  m.cfg.ResumeOnHalt,
		OnUnknownExit: m.cfg.OnUnknownExit,
		Logger:        m.cfg.Logger,
		Metrics:       m.cfg.Metrics,
	}

	results := make([]Result, len(vcpus))
	for i, c := range vcpus {
		i, c := i, c // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			res, err := d.Run(ctx, c)
			results[i] = res

			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}

			return err
		})
	}

	err := g.Wait()
	m.setResults(results)

	if err == nil {
		return nil
	}

	return errs.ErrorOrNil()
}

func (m *Machine) setResults(results []Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = results
}

// Results returns how each VCPU's loop ended in the last Run, ordered by
// VCPU id.
func (m *Machine) Results() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Result(nil), m.results...)
}

// Info returns the layout the Loader saw.
func (m *Machine) Info() VMInfo { return m.info }

// VM returns the Machine's VM.
func (m *Machine) VM() *VM { return m.vm }

// Device returns the Machine's KVM device.
func (m *Machine) Device() *Device { return m.dev }

// Close closes the VM, its VCPUs and memory, and the device. It fails with
// ErrBusy while Run is running. Close is idempotent.
func (m *Machine) Close() error {
	return m.dev.Close()
}

func (cfg Config) open() (*Device, error) {
	if cfg.Backend != nil {
		return NewDevice(cfg.Backend)
	}

	return Open(cfg.DevicePath)
}

func (cfg Config) validate() error {
	if pgsz := os.Getpagesize(); cfg.MemSize%pgsz != 0 {
		return fmt.Errorf("memory size must be a multiple of the host page size (%d)", pgsz)
	}

	if cfg.MemSize < MemSizeMin {
		return fmt.Errorf("memory is too small: %d < %d", cfg.MemSize, MemSizeMin)
	}

	if cfg.MemSize > MemSizeMax {
		return fmt.Errorf("memory is too large: %d > %d", cfg.MemSize, MemSizeMax)
	}

	if cfg.NumCPU < 1 {
		return fmt.Errorf("invalid number of VCPUs: %d", cfg.NumCPU)
	}

	if cfg.Loader == nil {
		return errors.New("loader is not set")
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MemSize == 0 {
		cfg.MemSize = MemSizeDefault
	}

	if cfg.NumCPU == 0 {
		cfg.NumCPU = 1
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
