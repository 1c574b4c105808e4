//go:build linux

// readme-example drives a VM by hand: it writes a few real-mode
// instructions into guest memory, points a VCPU at them, and prints what
// the guest writes to port 0x10 until it halts.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/c35s/kvmctl/kvm"
	"github.com/c35s/kvmctl/vmm"
)

// mov $'h', %al; out %al, $0x10; mov $'i', %al; out %al, $0x10; hlt
var code = []byte{0xb0, 'h', 0xe6, 0x10, 0xb0, 'i', 0xe6, 0x10, 0xf4}

func main() {
	dev, err := vmm.Open("")
	if err != nil {
		panic(err)
	}

	defer dev.Close()

	vm, err := dev.CreateVM()
	if err != nil {
		panic(err)
	}

	mem, err := vmm.NewMemoryRegion(0, 1<<20, 0)
	if err != nil {
		panic(err)
	}

	if err := vm.AttachMemory(mem); err != nil {
		panic(err)
	}

	if _, err := mem.WriteAt(code, 0x1000); err != nil {
		panic(err)
	}

	vcpu, err := vm.CreateVCPU(0)
	if err != nil {
		panic(err)
	}

	sregs, err := vcpu.Sregs()
	if err != nil {
		panic(err)
	}

	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	if err := vcpu.SetSregs(sregs); err != nil {
		panic(err)
	}

	if err := vcpu.SetRegs(kvm.Regs{RIP: 0x1000, RFlags: 0x2}); err != nil {
		panic(err)
	}

	d := &vmm.Dispatcher{
		IO: vmm.IOHandlerFunc(func(port uint16, dir kvm.IODirection, size int, data []byte) error {
			if port != 0x10 {
				return vmm.ErrUnhandled
			}

			_, err := os.Stdout.Write(data)
			return err
		}),
	}

	res, err := d.Run(context.TODO(), vcpu)
	if err != nil {
		panic(err)
	}

	fmt.Printf("\n%v after %d exits\n", res.Reason, res.Exits)
}
