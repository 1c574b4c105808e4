//go:build linux

package vmmtest

import (
	"errors"
	"testing"

	"github.com/c35s/kvmctl/vmm"
)

// NewDevice returns a vmm.Device backed by b. The device is closed when the
// test finishes.
func NewDevice(t testing.TB, b *Backend) *vmm.Device {
	t.Helper()

	dev, err := vmm.NewDevice(b)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := dev.Close(); err != nil && !errors.Is(err, vmm.ErrClosed) {
			t.Error(err)
		}
	})

	return dev
}

// NewVM returns a VM on a fresh backend, with one page-aligned region of
// memSize bytes at guest physical address 0.
func NewVM(t testing.TB, b *Backend, memSize int) *vmm.VM {
	t.Helper()

	vm, err := NewDevice(t, b).CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	if memSize > 0 {
		r, err := vmm.NewMemoryRegion(0, memSize, 0)
		if err != nil {
			t.Fatal(err)
		}

		if err := vm.AttachMemory(r); err != nil {
			r.Close()
			t.Fatal(err)
		}
	}

	return vm
}
