//go:build linux

// Package bus routes a VM's port and MMIO exits to the devices that own
// them. It implements vmm.IOHandler and vmm.MMIOHandler and knows nothing
// about what the devices do.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
)

var (
	ErrOverlap      = errors.New("bus: range overlaps a registered device")
	ErrInvalidRange = errors.New("bus: invalid range")
)

// IO routes port IO by port number. Handlers see the absolute port.
// The zero value is an empty bus.
type IO struct {
	mu      sync.RWMutex
	devices []ioDevice
}

type ioDevice struct {
	base uint16
	n    int
	h    vmm.IOHandler
}

// Register claims the n ports starting at base for h.
func (b *IO) Register(base uint16, n int, h vmm.IOHandler) error {
	if n < 1 || int(base)+n > 1<<16 {
		return fmt.Errorf("%w: %d ports at %#x", ErrInvalidRange, n, base)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if int(base) < int(d.base)+d.n && int(d.base) < int(base)+n {
			return fmt.Errorf("%w: ports [%#x, %#x)", ErrOverlap, base, int(base)+n)
		}
	}

	b.devices = append(b.devices, ioDevice{base, n, h})
	return nil
}

// HandleIO forwards the access to the device that owns port. It returns an
// error wrapping vmm.ErrUnhandled if no device does.
func (b *IO) HandleIO(port uint16, dir kvm.IODirection, size int, data []byte) error {
	b.mu.RLock()
	var h vmm.IOHandler
	for _, d := range b.devices {
		if port >= d.base && int(port) < int(d.base)+d.n {
			h = d.h
			break
		}
	}
	b.mu.RUnlock()

	if h == nil {
		return fmt.Errorf("%w: port %#x", vmm.ErrUnhandled, port)
	}

	return h.HandleIO(port, dir, size, data)
}

// MMIO routes MMIO by guest physical address. Handlers see the offset from
// the start of their range, not the address. The zero value is an empty bus.
type MMIO struct {
	mu      sync.RWMutex
	devices []mmioDevice
}

type mmioDevice struct {
	base uint64
	size uint64
	h    vmm.MMIOHandler
}

// Register claims the size bytes starting at base for h.
func (b *MMIO) Register(base, size uint64, h vmm.MMIOHandler) error {
	if size == 0 || base+size < base {
		return fmt.Errorf("%w: %#x bytes at %#x", ErrInvalidRange, size, base)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, d := range b.devices {
		if base < d.base+d.size && d.base < base+size {
			return fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, base, base+size)
		}
	}

	b.devices = append(b.devices, mmioDevice{base, size, h})
	return nil
}

// HandleMMIO forwards the access to the device that owns addr. It returns
// an error wrapping vmm.ErrUnhandled if no device does.
func (b *MMIO) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	b.mu.RLock()
	var dev mmioDevice
	for _, d := range b.devices {
		if addr >= d.base && addr-d.base < d.size {
			dev = d
			break
		}
	}
	b.mu.RUnlock()

	if dev.h == nil {
		return fmt.Errorf("%w: mmio %#x", vmm.ErrUnhandled, addr)
	}

	return dev.h.HandleMMIO(addr-dev.base, data, isWrite)
}
