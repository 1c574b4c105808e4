//go:build linux

package vmm_test

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"testing"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
	"github.com/c35s/kvmctl/vmm/vmmtest"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestOpenMissing(t *testing.T) {
	_, err := vmm.Open("/nonexistent/kvm")

	if !errors.Is(err, vmm.ErrDeviceUnavailable) {
		t.Errorf("error isn't ErrDeviceUnavailable: %v", err)
	}

	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error isn't ErrNotExist: %v", err)
	}
}

func TestOpen(t *testing.T) {
	dev := openKVM(t)

	if v := dev.Version(); v != kvm.StableAPIVersion {
		t.Errorf("version %d != %d", v, kvm.StableAPIVersion)
	}

	sz, err := dev.VCPUMmapSize()
	if err != nil {
		t.Fatal(err)
	}

	if sz < 2352 {
		t.Errorf("mmap size %d is too small", sz)
	}

	if !dev.HasExtension(kvm.CapUserMemory) {
		t.Error("KVM_CAP_USER_MEMORY is unsupported")
	}
}

func TestNewDeviceUnsupportedVersion(t *testing.T) {
	b := &vmmtest.Backend{Version: 11}
	_, err := vmm.NewDevice(b)

	if !errors.Is(err, vmm.ErrUnsupportedVersion) {
		t.Errorf("error isn't ErrUnsupportedVersion: %v", err)
	}

	if !b.Closed() {
		t.Error("backend wasn't closed")
	}
}

func TestNewDeviceVersionError(t *testing.T) {
	b := &vmmtest.Backend{
		Errs: map[string]error{"KVM_GET_API_VERSION": unix.ENOTTY},
	}

	_, err := vmm.NewDevice(b)
	if !errors.Is(err, vmm.ErrDeviceUnavailable) {
		t.Errorf("error isn't ErrDeviceUnavailable: %v", err)
	}
}

func TestCheckExtension(t *testing.T) {
	dev := vmmtest.NewDevice(t, &vmmtest.Backend{
		Caps: map[kvm.Cap]int{
			kvm.CapIRQChip:    0,
			kvm.CapNrMemSlots: 509,
		},
	})

	if dev.HasExtension(kvm.CapIRQChip) {
		t.Error("KVM_CAP_IRQCHIP is supported")
	}

	n, err := dev.CheckExtension(kvm.CapNrMemSlots)
	if err != nil {
		t.Fatal(err)
	}

	if n != 509 {
		t.Errorf("KVM_CAP_NR_MEMSLOTS %d != 509", n)
	}

	v, err := dev.QueryVersion()
	if err != nil {
		t.Fatal(err)
	}

	if v != kvm.StableAPIVersion {
		t.Errorf("version %d != %d", v, kvm.StableAPIVersion)
	}
}

func TestSupportedCPUID(t *testing.T) {
	want := []kvm.CPUIDEntry2{{Function: 7, EBX: 0x1}}
	dev := vmmtest.NewDevice(t, &vmmtest.Backend{CPUID: want})

	got, err := dev.SupportedCPUID()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cpuid mismatch (-want +got):\n%s", diff)
	}
}

func TestVCPUMmapSizeCached(t *testing.T) {
	b := &vmmtest.Backend{MmapSize: 0x3000}
	dev := vmmtest.NewDevice(t, b)

	for _, next := range []int{0x5000, 0x1000} {
		sz, err := dev.VCPUMmapSize()
		if err != nil {
			t.Fatal(err)
		}

		if sz != 0x3000 {
			t.Errorf("mmap size %#x != 0x3000", sz)
		}

		b.MmapSize = next
	}
}

func TestVCPUMmapSizeTooSmall(t *testing.T) {
	dev := vmmtest.NewDevice(t, &vmmtest.Backend{MmapSize: 256})

	if _, err := dev.VCPUMmapSize(); !errors.Is(err, vmm.ErrKernelRejected) {
		t.Errorf("error isn't ErrKernelRejected: %v", err)
	}

	if _, err := dev.CreateVM(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVMErrors(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  error
	}{
		{unix.EMFILE, vmm.ErrResourceExhausted},
		{unix.ENOMEM, vmm.ErrResourceExhausted},
		{unix.EACCES, vmm.ErrPermissionDenied},
		{unix.EINVAL, vmm.ErrKernelRejected},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			dev := vmmtest.NewDevice(t, &vmmtest.Backend{
				Errs: map[string]error{"KVM_CREATE_VM": tt.errno},
			})

			vm, err := dev.CreateVM()
			if vm != nil {
				t.Error("vm is present")
			}

			if !errors.Is(err, tt.want) {
				t.Errorf("error isn't %v: %v", tt.want, err)
			}

			if !errors.Is(err, tt.errno) {
				t.Errorf("errno is missing: %v", err)
			}
		})
	}
}

func TestDeviceClose(t *testing.T) {
	b := &vmmtest.Backend{}
	dev, err := vmm.NewDevice(b)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		vm, err := dev.CreateVM()
		if err != nil {
			t.Fatal(err)
		}

		if _, err := vm.CreateVCPU(0); err != nil {
			t.Fatal(err)
		}
	}

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	// newest VM first, device last
	want := []string{
		"unmap vcpu 0",
		"close vcpu 0",
		"close vm 1",
		"unmap vcpu 0",
		"close vcpu 0",
		"close vm 0",
		"close device",
	}

	if diff := cmp.Diff(want, b.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if err := dev.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	if _, err := dev.CreateVM(); !errors.Is(err, vmm.ErrClosed) {
		t.Errorf("error isn't ErrClosed: %v", err)
	}

	if _, err := dev.CheckExtension(kvm.CapHLT); !errors.Is(err, vmm.ErrClosed) {
		t.Errorf("error isn't ErrClosed: %v", err)
	}
}

func TestDeviceLogger(t *testing.T) {
	var buf bytes.Buffer
	dev := vmmtest.NewDevice(t, &vmmtest.Backend{})
	dev.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	vm, err := dev.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	r, err := vmm.NewMemoryRegion(0, 1<<20, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := vm.AttachMemory(r); err != nil {
		t.Fatal(err)
	}

	if _, err := vm.CreateVCPU(0); err != nil {
		t.Fatal(err)
	}

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"attached memory", "created VCPU", "closed VM", "closed KVM device"} {
		if !strings.Contains(buf.String(), "msg=\""+msg+"\"") {
			t.Errorf("%q wasn't logged:\n%s", msg, buf.String())
		}
	}
}

// openKVM opens the real KVM device or skips the test.
func openKVM(t *testing.T) *vmm.Device {
	t.Helper()

	dev, err := vmm.Open("")
	if errors.Is(err, vmm.ErrDeviceUnavailable) {
		t.Skip(err)
	}

	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := dev.Close(); err != nil {
			t.Error(err)
		}
	})

	return dev
}
