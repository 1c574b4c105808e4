//go:build linux

// Package vmm manages the lifecycle of KVM virtual machines: the device
// handle, VMs, guest memory regions, VCPUs, and the loop that runs a VCPU
// and dispatches its exits.
//
// Ownership is strict. A Device outlives its VMs, and a VM outlives its
// VCPUs and memory regions. Closing a parent closes its children first.
package vmm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/kvmctl/kvm"
	"github.com/hashicorp/go-multierror"
)

// DefaultDevicePath is where Open looks for the KVM device node if no path
// is given.
const DefaultDevicePath = kvm.DevicePath

// Device is an open KVM device.
type Device struct {
	b       Backend
	version int
	log     atomic.Pointer[slog.Logger]

	mmapOnce sync.Once
	mmapSize int
	mmapErr  error

	mu     sync.Mutex
	vms    []*VM
	closed bool
}

// Open opens the KVM device node at path, or DefaultDevicePath if path is
// empty, and checks that it speaks the stable API.
func Open(path string) (*Device, error) {
	if path == "" {
		path = DefaultDevicePath
	}

	b, err := OpenBackend(path)
	if err != nil {
		return nil, openError(err)
	}

	return NewDevice(b)
}

// NewDevice wraps an already-open backend. It fails with
// ErrUnsupportedVersion if the backend reports any API version other than
// kvm.StableAPIVersion. The backend is closed if NewDevice fails.
func NewDevice(b Backend) (*Device, error) {
	version, err := b.APIVersion()
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("%w: get API version: %w", ErrDeviceUnavailable, err)
	}

	if version != kvm.StableAPIVersion {
		b.Close()
		return nil, fmt.Errorf("%w: %d != %d", ErrUnsupportedVersion, version, kvm.StableAPIVersion)
	}

	return &Device{b: b, version: version}, nil
}

// SetLogger sets the logger the device and its VMs report lifecycle events
// to. The default is slog.Default().
func (d *Device) SetLogger(l *slog.Logger) {
	d.log.Store(l)
}

func (d *Device) logger() *slog.Logger {
	if l := d.log.Load(); l != nil {
		return l
	}

	return slog.Default()
}

// Version returns the API version reported when the device was opened.
func (d *Device) Version() int {
	return d.version
}

// QueryVersion asks the kernel for the API version again.
func (d *Device) QueryVersion() (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}

	v, err := d.b.APIVersion()
	if err != nil {
		return 0, kernelError(err, ErrKernelRejected)
	}

	return v, nil
}

// CheckExtension returns the value of the given capability. Zero means it
// is unsupported.
func (d *Device) CheckExtension(cap kvm.Cap) (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}

	v, err := d.b.CheckExtension(cap)
	if err != nil {
		return 0, kernelError(err, ErrKernelRejected)
	}

	return v, nil
}

// HasExtension reports whether the given capability is supported.
func (d *Device) HasExtension(cap kvm.Cap) bool {
	v, err := d.CheckExtension(cap)
	return err == nil && v > 0
}

// SupportedCPUID returns the CPUID entries supported by both the host and KVM.
func (d *Device) SupportedCPUID() ([]kvm.CPUIDEntry2, error) {
	if err := d.usable(); err != nil {
		return nil, err
	}

	ent, err := d.b.SupportedCPUID()
	if err != nil {
		return nil, kernelError(err, ErrKernelRejected)
	}

	return ent, nil
}

// VCPUMmapSize returns the size of each VCPU's shared run state. It's
// queried once and cached for the life of the device.
func (d *Device) VCPUMmapSize() (int, error) {
	if err := d.usable(); err != nil {
		return 0, err
	}

	d.mmapOnce.Do(func() {
		sz, err := d.b.VCPUMmapSize()
		switch {
		case err != nil:
			d.mmapErr = kernelError(err, ErrKernelRejected)

		case sz < int(unsafe.Sizeof(kvm.VCPUState{})):
			d.mmapErr = fmt.Errorf("%w: VCPU mmap size %d is too small", ErrKernelRejected, sz)

		default:
			d.mmapSize = sz
		}
	})

	return d.mmapSize, d.mmapErr
}

// CreateVM creates a VM with no memory and no VCPUs. The VM is closed when
// the device is.
func (d *Device) CreateVM() (*VM, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	b, err := d.b.CreateVM()
	if err != nil {
		return nil, kernelError(err, ErrKernelRejected)
	}

	vm := &VM{
		dev:   d,
		b:     b,
		vcpus: make(map[int]*VCPU),
	}

	d.vms = append(d.vms, vm)
	return vm, nil
}

// Close closes every VM created from the device, newest first, and then the
// device itself. If a VM can't be closed because a VCPU is running, the
// device stays open and Close returns ErrBusy. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}

	vms := append([]*VM(nil), d.vms...)
	d.mu.Unlock()

	var errs *multierror.Error
	for i := len(vms) - 1; i >= 0; i-- {
		if err := vms[i].Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}

	d.closed = true
	if err := d.b.Close(); err != nil {
		return fmt.Errorf("vmm: close device: %w", err)
	}

	d.logger().Debug("closed KVM device")
	return nil
}

func (d *Device) usable() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	return nil
}

// forget removes a closed VM from the device's list.
func (d *Device) forget(vm *VM) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, v := range d.vms {
		if v == vm {
			d.vms = append(d.vms[:i], d.vms[i+1:]...)
			return
		}
	}
}
